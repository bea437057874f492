package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mtingers/lockerd/internal/metrics"
)

// Bridge serializes snapshot writes and answers recovery lookups. A Bridge
// with a nil store does nothing.
type Bridge struct {
	mu     sync.Mutex
	store  Store
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewBridge(store Store, log *slog.Logger) *Bridge {
	return &Bridge{
		store:  store,
		log:    log,
		tracer: otel.Tracer("github.com/mtingers/lockerd/snapshot"),
		now:    time.Now,
	}
}

// Enabled reports whether a store is configured.
func (b *Bridge) Enabled() bool { return b != nil && b.store != nil }

func (b *Bridge) start(ctx context.Context, op string) (context.Context, trace.Span, func(error)) {
	ctx, span := b.tracer.Start(ctx, "lockerd.snapshot."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("lockerd.snapshot.store", b.store.String()))
	return ctx, span, func(err error) {
		if err != nil {
			metrics.SnapshotErrors.WithLabelValues(op).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot_error")
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}

// Save overwrites the stored document with project(). project runs while the
// bridge lock is held, so concurrent saves land in the order their
// projections were taken.
func (b *Bridge) Save(ctx context.Context, project func() Document) error {
	if !b.Enabled() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ctx, span, finish := b.start(ctx, "save")
	defer span.End()
	begin := time.Now()

	doc := project()
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		err = fmt.Errorf("snapshot: encode: %w", err)
		finish(err)
		return err
	}
	span.SetAttributes(
		attribute.Int("lockerd.snapshot.identities", len(doc)),
		attribute.Int("lockerd.snapshot.bytes", len(data)),
	)
	if err := b.store.Write(ctx, data); err != nil {
		err = fmt.Errorf("snapshot: write %s: %w", b.store, err)
		finish(err)
		return err
	}
	metrics.SnapshotSaves.Inc()
	metrics.SnapshotSaveSeconds.Observe(time.Since(begin).Seconds())
	finish(nil)
	return nil
}

// Load returns the records saved for address/pid with wait and timeout
// replaced by what remains of them now. It returns nil when there is no
// store, pid is 0, or the identity is absent.
func (b *Bridge) Load(ctx context.Context, address string, pid uint32) ([]Record, error) {
	if !b.Enabled() || pid == 0 {
		return nil, nil
	}
	ctx, span, finish := b.start(ctx, "load")
	defer span.End()

	doc, err := b.read(ctx)
	if err != nil {
		finish(err)
		return nil, err
	}
	id := Identity(address, pid)
	span.SetAttributes(attribute.String("lockerd.snapshot.identity", id))
	saved, ok := doc[id]
	if !ok {
		finish(nil)
		return nil, nil
	}

	now := b.now()
	out := make([]Record, 0, len(saved))
	for _, r := range saved {
		origTimeout := r.Timeout
		r.Wait = remaining(r.Request, r.Wait, now)
		r.Timeout = remaining(r.Request, origTimeout, now)
		r.Lapsed = r.Held() && origTimeout > 0 && r.Timeout == 0
		out = append(out, r)
	}
	finish(nil)
	b.log.Debug("snapshot loaded", "identity", id, "records", len(out))
	return out, nil
}

func (b *Bridge) read(ctx context.Context) (Document, error) {
	data, err := b.store.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", b.store, err)
	}
	if len(data) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: decode %s: %w", b.store, err)
	}
	return doc, nil
}

// Document reads the whole stored document.
func (b *Bridge) Document(ctx context.Context) (Document, error) {
	if !b.Enabled() {
		return Document{}, nil
	}
	return b.read(ctx)
}

// Close releases the underlying store.
func (b *Bridge) Close() error {
	if !b.Enabled() {
		return nil
	}
	return b.store.Close()
}

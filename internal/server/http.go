package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtingers/lockerd/internal/events"
)

const eventBuffer = 64

var subscriberSeq atomic.Uint64

// Handler returns the HTTP management interface:
//
//	GET /metrics             Prometheus metrics from gatherer
//	GET /status              LockStatus as JSON
//	GET /stats               queue statistics as JSON
//	GET /events?pattern=p    lock events as JSON lines (bus required)
func (s *Server) Handler(gatherer prometheus.Gatherer, bus *events.Bus) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.LockStatus())
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.lm.Stats())
	})
	if bus != nil {
		mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
			streamEvents(w, r, bus)
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func streamEvents(w http.ResponseWriter, r *http.Request, bus *events.Bus) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = ">"
	}

	ch := make(chan events.Event, eventBuffer)
	slow := make(chan struct{})
	var once atomic.Bool
	sub := &events.Subscriber{
		ID:      subscriberSeq.Add(1),
		Pattern: pattern,
		Ch:      ch,
		Cancel: func() {
			if once.CompareAndSwap(false, true) {
				close(slow)
			}
		},
	}
	if err := bus.Subscribe(sub); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer bus.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-slow:
			return
		case ev := <-ch:
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

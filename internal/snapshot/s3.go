package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultS3Object is used when an s3 location names only a bucket.
const DefaultS3Object = "lockerd/snapshot.json"

// S3Config describes an S3-compatible object holding the document.
type S3Config struct {
	Endpoint string
	Bucket   string
	Object   string
	Insecure bool
	Region   string
	Creds    *credentials.Credentials // nil: environment (AWS_*, MINIO_*)
}

// S3 stores the document as one object.
type S3 struct {
	client *minio.Client
	cfg    S3Config
}

// ParseS3 builds a config from s3://endpoint/bucket[/object][?insecure=1&region=r].
func ParseS3(u *url.URL) (S3Config, error) {
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return S3Config{}, fmt.Errorf("snapshot: s3 location missing host (expected s3://host[:port]/bucket[/object])")
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return S3Config{}, fmt.Errorf("snapshot: s3 location missing bucket")
	}
	parts := strings.SplitN(path, "/", 2)
	cfg := S3Config{Endpoint: endpoint, Bucket: parts[0], Object: DefaultS3Object}
	if len(parts) == 2 && strings.Trim(parts[1], "/") != "" {
		cfg.Object = strings.Trim(parts[1], "/")
	}
	q := u.Query()
	if v := q.Get("insecure"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return S3Config{}, fmt.Errorf("snapshot: s3 insecure: %w", err)
		}
		cfg.Insecure = ok
	}
	cfg.Region = q.Get("region")
	return cfg, nil
}

// OpenS3 parses u and creates a client.
func OpenS3(u *url.URL) (*S3, error) {
	cfg, err := ParseS3(u)
	if err != nil {
		return nil, err
	}
	return NewS3(cfg)
}

func NewS3(cfg S3Config) (*S3, error) {
	creds := cfg.Creds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
		})
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.Insecure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: create s3 client: %w", err)
	}
	return &S3{client: client, cfg: cfg}, nil
}

func (s *S3) Read(ctx context.Context) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.cfg.Object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *S3) Write(ctx context.Context, data []byte) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, s.cfg.Object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *S3) Close() error { return nil }

func (s *S3) String() string {
	return fmt.Sprintf("s3://%s/%s/%s", s.cfg.Endpoint, s.cfg.Bucket, s.cfg.Object)
}

func isNotFound(err error) bool {
	var errResp minio.ErrorResponse
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

// Package gcs archives crawl outcomes as JSON Lines objects in Google Cloud
// Storage. Each saved batch becomes one object.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/JakeFAU/crawl-swarm/internal/store"
)

const contentType = "application/x-ndjson"

// Config captures the bucket and object prefix.
type Config struct {
	Bucket string
	Prefix string
}

// OutcomeStore writes outcome batches to a configured bucket.
type OutcomeStore struct {
	client     *storage.Client
	bucket     string
	prefix     string
	ownsClient bool
	now        func() time.Time
}

// Open creates a client using Application Default Credentials.
func Open(ctx context.Context, cfg Config) (*OutcomeStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		return nil, multierr.Append(err, client.Close())
	}
	s.ownsClient = true
	return s, nil
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*OutcomeStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive.gcs.bucket is required")
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "outcomes"
	}
	return &OutcomeStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SaveOutcomes uploads records as one JSONL object.
func (s *OutcomeStore) SaveOutcomes(ctx context.Context, records []store.OutcomeRecord) error {
	if len(records) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode outcome %s: %w", rec.TargetID, err)
		}
	}

	name := s.objectName()
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(buf.Bytes()); err != nil {
		return multierr.Append(fmt.Errorf("write object %s: %w", name, err), writer.Close())
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", name, err)
	}
	return nil
}

// objectName returns prefix/YYYY/MM/DD/<unixnano>-<uuid>.jsonl.
func (s *OutcomeStore) objectName() string {
	now := s.now()
	return path.Join(
		s.prefix,
		now.Format("2006/01/02"),
		fmt.Sprintf("%d-%s.jsonl", now.UnixNano(), uuid.NewString()),
	)
}

// URI returns the gs:// location of the archive root.
func (s *OutcomeStore) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.prefix)
}

// Close closes the client when Open created it.
func (s *OutcomeStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close storage client: %w", err)
	}
	return nil
}

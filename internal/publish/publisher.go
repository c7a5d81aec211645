// Package publish writes the latest insights snapshot to object storage.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang/snappy"

	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/internal/query"
	"github.com/alembic/alembic/internal/storage"
)

// ContentType is set on published objects.
const ContentType = "application/x-snappy"

// ErrNoSnapshot is returned by Latest before anything has been published.
var ErrNoSnapshot = errors.New("publish: no snapshot published yet")

// InsightsSource produces the snapshot to publish.
type InsightsSource interface {
	GetInsights(ctx context.Context) (*query.Insights, error)
}

// Publisher writes snappy-compressed insights JSON under a fixed key. Only
// the latest snapshot is kept.
type Publisher struct {
	source  InsightsSource
	storage storage.ObjectStorage
	key     string
	log     *slog.Logger
}

// NewPublisher creates a publisher writing to key in store.
func NewPublisher(source InsightsSource, store storage.ObjectStorage, key string) *Publisher {
	return &Publisher{
		source:  source,
		storage: store,
		key:     key,
		log:     logging.Component("publish"),
	}
}

// Publish reads the current insights and overwrites the published object.
func (p *Publisher) Publish(ctx context.Context) error {
	ins, err := p.source.GetInsights(ctx)
	if err != nil {
		return fmt.Errorf("publish: failed to read insights: %w", err)
	}

	raw, err := json.Marshal(ins)
	if err != nil {
		return fmt.Errorf("publish: failed to encode insights: %w", err)
	}
	compressed := snappy.Encode(nil, raw)

	if err := p.storage.Put(ctx, p.key, compressed, ContentType); err != nil {
		return fmt.Errorf("publish: failed to write %s: %w", p.key, err)
	}

	p.log.Debug("snapshot published", "key", p.key, "raw_bytes", len(raw), "stored_bytes", len(compressed))
	return nil
}

// Key returns the object key snapshots are written to.
func (p *Publisher) Key() string {
	return p.key
}

// Exists reports whether a snapshot has been published.
func (p *Publisher) Exists(ctx context.Context) (bool, error) {
	ok, err := p.storage.Exists(ctx, p.key)
	if err != nil {
		return false, fmt.Errorf("publish: failed to check %s: %w", p.key, err)
	}
	return ok, nil
}

// Latest reads back the published snapshot, or ErrNoSnapshot.
func (p *Publisher) Latest(ctx context.Context) (*query.Insights, error) {
	ok, err := p.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSnapshot
	}
	return Read(ctx, p.storage, p.key)
}

// Read decodes a snapshot published under key.
func Read(ctx context.Context, store storage.ObjectStorage, key string) (*query.Insights, error) {
	compressed, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("publish: corrupt snapshot %s: %w", key, err)
	}
	var ins query.Insights
	if err := json.Unmarshal(raw, &ins); err != nil {
		return nil, fmt.Errorf("publish: corrupt snapshot %s: %w", key, err)
	}
	return &ins, nil
}

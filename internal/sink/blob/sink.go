// Package blob archives records as JSON objects in a blob store.
package blob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/storage"
)

// Sink writes one object per record at
// <prefix>/<collector>/<yyyy>/<mm>/<dd>/<run>/<item>.json.
type Sink struct {
	store  storage.BlobStore
	prefix string
	logger *zap.Logger
}

// New creates a Sink.
func New(store storage.BlobStore, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, prefix: strings.Trim(prefix, "/"), logger: logger}, nil
}

// ObjectPath returns where record is written.
func (s *Sink) ObjectPath(record collector.Record) string {
	day := record.StructuredAt.UTC().Format("2006/01/02")
	p := path.Join(record.CollectorID, day, record.RunID, record.ItemID+".json")
	if s.prefix != "" {
		p = path.Join(s.prefix, p)
	}
	return p
}

// Accept marshals and uploads record.
func (s *Sink) Accept(ctx context.Context, record collector.Record) error {
	if record.CollectorID == "" || record.RunID == "" || record.ItemID == "" {
		return errors.New("record requires collector, run and item ids")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	uri, err := s.store.PutObject(ctx, s.ObjectPath(record), "application/json", data)
	if err != nil {
		return fmt.Errorf("store record %s: %w", record.ItemID, err)
	}
	s.logger.Debug("record archived", zap.String("item_id", record.ItemID), zap.String("uri", uri))
	return nil
}

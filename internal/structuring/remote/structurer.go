// Package remote delegates structuring to an HTTP extraction service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/structuring"
)

const maxResponseBytes = 8 << 20

// Config points at the extraction endpoint.
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Structurer POSTs raw documents and decodes the JSON reply.
type Structurer struct {
	cfg    Config
	client *http.Client
	clock  collector.Clock
	logger *zap.Logger
}

type response struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Pages    int               `json:"pages"`
	Metadata map[string]string `json:"metadata"`
}

// New validates cfg. A nil client uses http.DefaultClient.
func New(cfg Config, client *http.Client, clock collector.Clock, logger *zap.Logger) (*Structurer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("structuring endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = http.DefaultClient
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Structurer{cfg: cfg, client: client, clock: clock, logger: logger}, nil
}

// Structure sends doc.Body with its content type and waits at most
// cfg.Timeout for the reply.
func (s *Structurer) Structure(ctx context.Context, item collector.WorkItem, doc collector.Document) (collector.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(doc.Body))
	if err != nil {
		return collector.Record{}, structuring.Error(item.URL, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", doc.ContentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Source-URL", item.URL)
	req.Header.Set("X-Item-ID", item.ID)

	start := s.clock.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return collector.Record{}, structuring.Error(item.URL, fmt.Errorf("post document: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return collector.Record{}, collector.NewError(collector.KindStructuring, item.URL, resp.StatusCode,
			fmt.Errorf("extraction service: %s", bytes.TrimSpace(snippet)))
	}

	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return collector.Record{}, structuring.Error(item.URL, fmt.Errorf("decode response: %w", err))
	}
	if out.Text == "" {
		return collector.Record{}, structuring.Error(item.URL, errors.New("extraction service returned no text"))
	}
	s.logger.Debug("document structured",
		zap.String("url", item.URL),
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
	return collector.Record{
		ItemID:       item.ID,
		URL:          item.URL,
		ContentType:  doc.ContentType,
		Title:        out.Title,
		Text:         out.Text,
		Pages:        out.Pages,
		Metadata:     out.Metadata,
		StructuredAt: s.clock.Now().UTC(),
	}, nil
}

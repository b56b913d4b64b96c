// Package document structures PDF and HTML documents in process.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/JakeFAU/collectord/internal/clock/system"
	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/structuring"
)

const maxTitleLen = 200

// Structurer converts PDFs to page text and HTML to markdown.
type Structurer struct {
	clock     collector.Clock
	policy    *bluemonday.Policy
	converter *converter.Converter
}

// Option customizes a Structurer.
type Option func(*Structurer)

// WithClock sets the clock used for StructuredAt.
func WithClock(c collector.Clock) Option {
	return func(s *Structurer) { s.clock = c }
}

// New returns a Structurer.
func New(opts ...Option) *Structurer {
	s := &Structurer{
		clock:  system.New(),
		policy: bluemonday.UGCPolicy(),
		converter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Structure dispatches on the document's media type.
func (s *Structurer) Structure(ctx context.Context, item collector.WorkItem, doc collector.Document) (collector.Record, error) {
	if err := ctx.Err(); err != nil {
		return collector.Record{}, err
	}
	mediaType, _, err := mime.ParseMediaType(doc.ContentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(doc.ContentType))
	}

	var rec collector.Record
	switch {
	case mediaType == "application/pdf":
		rec, err = s.structurePDF(doc.Body)
	case strings.Contains(mediaType, "html"):
		rec, err = s.structureHTML(doc.Body, item.URL)
	default:
		err = fmt.Errorf("unsupported content type %q", doc.ContentType)
	}
	if err != nil {
		return collector.Record{}, structuring.Error(item.URL, err)
	}
	rec.ItemID = item.ID
	rec.URL = item.URL
	rec.ContentType = mediaType
	rec.StructuredAt = s.clock.Now().UTC()
	return rec, nil
}

func (s *Structurer) structurePDF(body []byte) (collector.Record, error) {
	pdf, err := api.ReadValidateAndOptimize(bytes.NewReader(body), model.NewDefaultConfiguration())
	if err != nil {
		return collector.Record{}, fmt.Errorf("read pdf: %w", err)
	}

	var (
		pages []string
		title string
	)
	for pageNr := 1; pageNr <= pdf.PageCount; pageNr++ {
		text := pageText(pdf, pageNr)
		if text == "" {
			continue
		}
		if title == "" {
			title = firstLine(text)
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return collector.Record{}, errors.New("no text content found in pdf")
	}
	return collector.Record{
		Title: title,
		Text:  strings.Join(pages, "\n"),
		Pages: pdf.PageCount,
		Metadata: map[string]string{
			"text_pages": strconv.Itoa(len(pages)),
		},
	}, nil
}

func (s *Structurer) structureHTML(body []byte, sourceURL string) (collector.Record, error) {
	page, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return collector.Record{}, fmt.Errorf("parse html: %w", err)
	}
	title := strings.TrimSpace(page.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(page.Find("h1").First().Text())
	}

	clean := s.policy.SanitizeBytes(body)
	markdown, err := s.converter.ConvertString(string(clean), converter.WithDomain(sourceURL))
	if err != nil {
		return collector.Record{}, fmt.Errorf("convert html: %w", err)
	}
	markdown = strings.TrimSpace(markdown)
	if markdown == "" {
		return collector.Record{}, errors.New("no text content found in html")
	}
	return collector.Record{
		Title: truncate(title),
		Text:  markdown,
		Metadata: map[string]string{
			"format": "markdown",
		},
	}, nil
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncate(line)
		}
	}
	return ""
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > maxTitleLen {
		return string(r[:maxTitleLen])
	}
	return s
}

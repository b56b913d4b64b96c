package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/JakeFAU/collectord/internal/collector"
)

// classify maps a transport error onto the taxonomy. parent is the caller's
// context, used to tell run cancellation apart from an attempt timeout.
func classify(parent context.Context, item collector.WorkItem, err error) error {
	if err == nil {
		return nil
	}
	var ce *collector.Error
	if errors.As(err, &ce) {
		if ce.URL == "" {
			ce.URL = item.URL
		}
		return err
	}
	if parent.Err() != nil {
		return collector.NewError(collector.KindRunCanceled, item.URL, 0, err)
	}
	kind := collector.KindPermanentRequest
	var (
		netErr net.Error
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		kind = collector.KindTransientNetwork
	case errors.As(err, &urlErr):
		// *url.Error is itself a net.Error; only its cause tells a dial
		// failure from a request no retry can fix.
		if urlErr.Op != "parse" && errors.As(urlErr.Err, &netErr) {
			kind = collector.KindTransientNetwork
		}
	case errors.As(err, &netErr):
		kind = collector.KindTransientNetwork
	}
	return collector.NewError(kind, item.URL, 0, err)
}

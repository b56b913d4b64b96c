// Package structuring holds helpers shared by the structurer backends.
package structuring

import (
	"context"
	"errors"

	"github.com/JakeFAU/collectord/internal/collector"
)

// Error wraps err as a structuring failure for rawURL. Errors already
// classified as structuring pass through, and context cancellation keeps its
// identity so callers can tell an abandoned run from a bad document.
func Error(rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var ce *collector.Error
	if errors.As(err, &ce) && ce.Kind == collector.KindStructuring {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return collector.NewError(collector.KindStructuring, rawURL, 0, err)
}

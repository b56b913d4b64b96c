package structuring

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/collectord/internal/collector"
)

func TestErrorClassifies(t *testing.T) {
	t.Parallel()

	require.NoError(t, Error("u", nil))

	err := Error("https://a.example/x.pdf", errors.New("bad xref"))
	require.Equal(t, collector.KindStructuring, collector.KindOf(err))
	require.ErrorContains(t, err, "bad xref")

	again := Error("other", err)
	require.Same(t, err, again)

	canceled := Error("u", fmt.Errorf("post: %w", context.Canceled))
	require.Equal(t, collector.KindRunCanceled, collector.KindOf(canceled))
}

package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/collectord/internal/collector"
	"github.com/JakeFAU/collectord/internal/status"
)

// ItemState is the terminal state of an item whose download started.
type ItemState string

// Item states.
const (
	ItemStructured   ItemState = "structured"
	ItemDeduplicated ItemState = "deduplicated"
	ItemFailed       ItemState = "failed"
	ItemCanceled     ItemState = "canceled"
)

// maxListedFailures bounds how many failures are spelled out in a run
// message.
const maxListedFailures = 5

// ItemResult is the terminal outcome of one item.
type ItemResult struct {
	Item        collector.WorkItem  `json:"item"`
	State       ItemState           `json:"state"`
	Kind        collector.ErrorKind `json:"kind,omitempty"`
	Error       string              `json:"error,omitempty"`
	Attempts    int                 `json:"attempts"`
	FromCache   bool                `json:"from_cache"`
	ContentHash string              `json:"content_hash,omitempty"`
	Bytes       int                 `json:"bytes,omitempty"`
}

// Report summarizes one run. It is published after the run completes.
type Report struct {
	CollectorID  string           `json:"collector_id"`
	RunID        string           `json:"run_id"`
	Status       collector.Status `json:"status"`
	Message      string           `json:"message,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Duration     time.Duration    `json:"duration"`
	Listed       int              `json:"listed"`
	Total        int              `json:"total"`
	Succeeded    int              `json:"succeeded"`
	Deduplicated int              `json:"deduplicated"`
	FromCache    int              `json:"from_cache"`
	Failed       int              `json:"failed"`
	Canceled     int              `json:"canceled"`
	Skipped      int              `json:"skipped"`
	Items        []ItemResult     `json:"items,omitempty"`
}

func (r *Report) tally() {
	r.Succeeded, r.Deduplicated, r.FromCache, r.Failed, r.Canceled = 0, 0, 0, 0, 0
	for _, it := range r.Items {
		switch it.State {
		case ItemStructured:
			r.Succeeded++
		case ItemDeduplicated:
			r.Succeeded++
			r.Deduplicated++
		case ItemFailed:
			r.Failed++
		case ItemCanceled:
			r.Canceled++
		}
		if it.FromCache {
			r.FromCache++
		}
	}
	r.Skipped = r.Total - len(r.Items)
}

// outcome applies the partial failure tolerance. A canceled run is always
// an error.
func (r *Report) outcome(tolerance float64, cause error) status.Outcome {
	if cause != nil {
		msg := fmt.Sprintf("canceled: %v; %d of %d items finished", cause, len(r.Items)-r.Canceled, r.Total)
		if r.Failed > 0 {
			msg += "; " + r.failureSummary()
		}
		return status.Outcome{Status: collector.StatusError, Message: msg}
	}
	if r.Failed == 0 {
		return status.Outcome{Status: collector.StatusOK}
	}
	msg := r.failureSummary()
	if float64(r.Failed)/float64(r.Total) > tolerance {
		return status.Outcome{Status: collector.StatusError, Message: msg}
	}
	return status.Outcome{Status: collector.StatusWarning, Message: msg}
}

func (r *Report) failureSummary() string {
	var parts []string
	for _, it := range r.Items {
		if it.State != ItemFailed {
			continue
		}
		if len(parts) == maxListedFailures {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("item %s: %s", it.Item.ID, it.Error))
	}
	return fmt.Sprintf("%d of %d items failed: %s", r.Failed, r.Total, strings.Join(parts, "; "))
}

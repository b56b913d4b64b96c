package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage names a run or item milestone.
type Stage string

// Supported stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageItemFetched    Stage = "ITEM_FETCHED"
	StageItemFailed     Stage = "ITEM_FAILED"
	StageItemStructured Stage = "ITEM_STRUCTURED"
	StageRunDone        Stage = "RUN_DONE"
)

// Event is one milestone of a run.
type Event struct {
	CollectorID string
	RunID       string
	TS          time.Time
	Stage       Stage
	ItemID      string
	// Site is the rate limiting key of the item's URL.
	Site      string
	URL       string
	Bytes     int64
	Attempts  int
	FromCache bool
	// Kind is the failure kind for ITEM_FAILED, or the run status for RUN_DONE.
	Kind string
	Dur  time.Duration
	Note string
}

// Validate rejects events missing the fields their stage requires.
func (e Event) Validate() error {
	if e.CollectorID == "" || e.RunID == "" {
		return errors.New("collector and run ids are required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone:
		if e.Kind == "" {
			return errors.New("run done requires a status")
		}
	case StageItemFetched, StageItemStructured:
		if e.ItemID == "" {
			return fmt.Errorf("%s requires item id", e.Stage)
		}
	case StageItemFailed:
		if e.ItemID == "" || e.Kind == "" {
			return errors.New("item failed requires item id and kind")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

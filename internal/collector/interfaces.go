package collector

import (
	"context"
	"time"
)

// Lister enumerates the documents a collector should fetch in one run.
type Lister interface {
	List(ctx context.Context) ([]Listing, error)
}

// Structurer converts a fetched document into a Record. Implementations own
// their retry policy and must honor ctx.
type Structurer interface {
	Structure(ctx context.Context, item WorkItem, doc Document) (Record, error)
}

// Sink persists structured records.
type Sink interface {
	Accept(ctx context.Context, record Record) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

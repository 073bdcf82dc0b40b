package journal

import (
	"context"
	"time"
)

// Journal records the outcome of every reconciled configuration option.
type Journal interface {
	Record(ctx context.Context, entry *Entry) error
	Latest(ctx context.Context, key string) (*Entry, error)
	Close() error
}

// Repository defines the interface for journal storage
type Repository interface {
	Insert(ctx context.Context, entry *Entry) error
	Latest(ctx context.Context, key string) (*Entry, error)
	Close() error
}

// Entry is one configuration decision: a desired value that was applied
// or rejected.
type Entry struct {
	Timestamp time.Time
	Key       string
	Value     string
	Applied   bool
	Reason    string
}

// Package source defines the ingestion-side abstraction over the
// three places messages can come from: a live IMAP account, a local
// Thunderbird profile cache, and a duplex client upload.
package source

import (
	"context"

	"github.com/fenilsonani/mailmap/internal/mail"
)

// Source reads messages from one backend. Every implementation must
// be safe to use from a single goroutine at a time; the pipeline
// never calls a Source concurrently with itself.
type Source interface {
	// Type identifies the backend: "imap", "local_cache", or "duplex".
	Type() string

	Connect(ctx context.Context) error
	Close() error

	ListFolders(ctx context.Context) ([]string, error)

	// ReadMessages streams envelopes from folder onto the returned
	// channel, closing it when done or when ctx is cancelled. limit<=0
	// means unbounded. When random is true and limit>0, the envelopes
	// are a random sample of the folder's contents rather than the
	// first (or most recent) limit found.
	ReadMessages(ctx context.Context, folder string, limit int, random bool) (<-chan mail.Envelope, <-chan error)
}

// Package target defines the delivery-side abstraction over the
// places a classified message can be written to: a live IMAP account
// or a duplex client connection.
package target

import (
	"context"

	"github.com/fenilsonani/mailmap/internal/mail"
)

// Target delivers a classified message to its destination folder.
// Implementations ensure the destination folder exists (cached after
// the first creation) and make move/copy idempotent: moving a message
// already in the destination folder is a no-op success, not an error.
type Target interface {
	Type() string

	Connect(ctx context.Context) error
	Close() error

	CreateFolder(ctx context.Context, folder string) error
	DeleteFolder(ctx context.Context, folder string) error

	// Copy duplicates env into folder, leaving the original in place.
	Copy(ctx context.Context, env mail.Envelope, folder string) error

	// Move relocates env into folder, removing it from its origin.
	Move(ctx context.Context, env mail.Envelope, folder string) error
}

// Package remoteimap adapts a live IMAP account to the source.Source
// interface, streaming every message currently in a folder rather
// than watching for new arrivals (that is the listener's job).
package remoteimap

import (
	"context"
	"fmt"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailmap/internal/config"
	mailimap "github.com/fenilsonani/mailmap/internal/imap"
	mailtypes "github.com/fenilsonani/mailmap/internal/mail"
)

// Source reads messages directly from an IMAP account.
type Source struct {
	cfg     config.ImapConfig
	mailbox *mailimap.Mailbox
}

// New builds a Source from the account configuration.
func New(cfg config.ImapConfig) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) Type() string { return "imap" }

func (s *Source) Connect(ctx context.Context) error {
	mailbox, err := mailimap.Connect(s.cfg, nil)
	if err != nil {
		return err
	}
	s.mailbox = mailbox
	return nil
}

func (s *Source) Close() error {
	if s.mailbox == nil {
		return nil
	}
	return s.mailbox.Close()
}

func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	if s.mailbox == nil {
		return nil, fmt.Errorf("remoteimap: not connected")
	}
	return s.mailbox.ListFolders()
}

// ReadMessages fetches every message currently in folder, oldest
// first, up to limit (0 means unbounded). When random is true and
// limit>0, limit messages are picked at random out of the whole
// folder rather than the oldest ones.
func (s *Source) ReadMessages(ctx context.Context, folder string, limit int, random bool) (<-chan mailtypes.Envelope, <-chan error) {
	out := make(chan mailtypes.Envelope)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		if s.mailbox == nil {
			errc <- fmt.Errorf("remoteimap: not connected")
			return
		}

		envelopes, _, err := s.mailbox.FetchNewSince(folder, goimap.UID(0))
		if err != nil {
			errc <- err
			return
		}

		if random && limit > 0 {
			envelopes = mailtypes.RandomSample(envelopes, limit)
		} else if limit > 0 && limit < len(envelopes) {
			envelopes = envelopes[:limit]
		}

		for _, env := range envelopes {
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errc
}

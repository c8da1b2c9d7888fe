// Package duplex adapts the extension-facing WebSocket channel to the
// source.Source interface. It is useful for single-message lookups
// when a Thunderbird extension is connected, but not for bulk reads -
// callers wanting a full folder scan should prefer the local-cache or
// remote-IMAP sources instead.
package duplex

import (
	"context"
	"fmt"

	"github.com/fenilsonani/mailmap/internal/duplex"
	mailtypes "github.com/fenilsonani/mailmap/internal/mail"
)

// Source reads messages through a connected Thunderbird extension.
type Source struct {
	server *duplex.Server
}

// New builds a Source backed by a running duplex server.
func New(server *duplex.Server) *Source {
	return &Source{server: server}
}

func (s *Source) Type() string { return "duplex" }

func (s *Source) Connect(ctx context.Context) error {
	if s.server.ClientCount() == 0 {
		return fmt.Errorf("duplex source: no thunderbird extension connected")
	}
	return nil
}

func (s *Source) Close() error { return nil }

// ListFolders returns the classification-category folders the
// extension reports, not the account's native folder tree.
func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	resp, err := s.server.SendRequest(ctx, duplex.ActionListFolders, map[string]any{})
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.OK {
		return nil, nil
	}
	raw, _ := resp.Result["folders"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ReadMessages is unsupported: bulk reads over the duplex channel are
// too slow to be useful, matching the extension protocol's scope.
func (s *Source) ReadMessages(ctx context.Context, folder string, limit int, random bool) (<-chan mailtypes.Envelope, <-chan error) {
	out := make(chan mailtypes.Envelope)
	errc := make(chan error, 1)
	close(out)
	errc <- fmt.Errorf("duplex source: bulk email reading is not supported, use local_cache or imap")
	close(errc)
	return out, errc
}

// Package remoteimap adapts a live IMAP account to the target.Target
// interface for delivering classified messages.
package remoteimap

import (
	"context"
	"fmt"
	"strconv"

	goimap "github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/mailmap/internal/config"
	mailimap "github.com/fenilsonani/mailmap/internal/imap"
	"github.com/fenilsonani/mailmap/internal/mail"
)

// Target writes classified messages to folders on a live IMAP account.
type Target struct {
	cfg     config.ImapConfig
	mailbox *mailimap.Mailbox
}

// New builds a Target from the account configuration.
func New(cfg config.ImapConfig) *Target {
	return &Target{cfg: cfg}
}

func (t *Target) Type() string { return "imap" }

func (t *Target) Connect(ctx context.Context) error {
	mailbox, err := mailimap.Connect(t.cfg, nil)
	if err != nil {
		return err
	}
	t.mailbox = mailbox
	return nil
}

func (t *Target) Close() error {
	if t.mailbox == nil {
		return nil
	}
	return t.mailbox.Close()
}

func (t *Target) CreateFolder(ctx context.Context, folder string) error {
	if t.mailbox == nil {
		return fmt.Errorf("remoteimap target: not connected")
	}
	return t.mailbox.EnsureFolder(folder)
}

func (t *Target) DeleteFolder(ctx context.Context, folder string) error {
	if t.mailbox == nil {
		return fmt.Errorf("remoteimap target: not connected")
	}
	return t.mailbox.DeleteFolder(folder)
}

// Copy uploads env's raw content into folder directly when available
// (the cross-server transfer path), falling back to a same-server
// select-and-copy-by-UID otherwise.
func (t *Target) Copy(ctx context.Context, env mail.Envelope, folder string) error {
	if t.mailbox == nil {
		return fmt.Errorf("remoteimap target: not connected")
	}
	if err := t.mailbox.EnsureFolder(folder); err != nil {
		return err
	}

	if env.Folder == folder {
		return nil
	}

	if len(env.Raw) > 0 {
		return t.mailbox.AppendMessage(ctx, folder, env.Raw)
	}

	uid, err := parseUID(env.SourceRef)
	if err != nil {
		return err
	}
	if _, err := t.mailbox.SelectFolder(env.Folder, true); err != nil {
		return err
	}
	return t.mailbox.CopyMessages([]goimap.UID{uid}, folder)
}

// Move relocates env to folder. A same-server move uses native IMAP
// MOVE; a cross-server move (env.Raw populated) only uploads, leaving
// the source message's removal to the caller.
func (t *Target) Move(ctx context.Context, env mail.Envelope, folder string) error {
	if t.mailbox == nil {
		return fmt.Errorf("remoteimap target: not connected")
	}
	if err := t.mailbox.EnsureFolder(folder); err != nil {
		return err
	}

	if env.Folder == folder {
		return nil
	}

	if len(env.Raw) > 0 {
		return t.mailbox.AppendMessage(ctx, folder, env.Raw)
	}

	uid, err := parseUID(env.SourceRef)
	if err != nil {
		return err
	}
	if _, err := t.mailbox.SelectFolder(env.Folder, false); err != nil {
		return err
	}
	return t.mailbox.MoveMessages([]goimap.UID{uid}, folder)
}

func parseUID(ref string) (goimap.UID, error) {
	n, err := strconv.ParseUint(ref, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("remoteimap target: invalid source ref %q: %w", ref, err)
	}
	return goimap.UID(n), nil
}

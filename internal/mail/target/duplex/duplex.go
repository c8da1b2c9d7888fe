// Package duplex adapts the extension-facing WebSocket channel to the
// target.Target interface, letting mailmap file classified messages
// into Thunderbird's native Local Folders or any configured IMAP
// account using the extension's own copy/move implementation.
package duplex

import (
	"context"
	"fmt"

	"github.com/fenilsonani/mailmap/internal/duplex"
	"github.com/fenilsonani/mailmap/internal/mail"
)

// Target files messages through a connected Thunderbird extension.
// account selects which Thunderbird account to target: "local" for
// Local Folders, "imap" for the first configured IMAP account, or a
// literal Thunderbird account ID.
type Target struct {
	server    *duplex.Server
	account   string
	accountID string
}

// New builds a Target backed by a running duplex server.
func New(server *duplex.Server, account string) *Target {
	if account == "" {
		account = "local"
	}
	return &Target{server: server, account: account}
}

func (t *Target) Type() string { return "websocket" }

// Connect resolves the configured account name to a concrete
// Thunderbird account ID via listAccounts, unless account is already
// a literal ID.
func (t *Target) Connect(ctx context.Context) error {
	if t.server.ClientCount() == 0 {
		return fmt.Errorf("duplex target: no thunderbird extension connected")
	}

	if t.account != "local" && t.account != "imap" {
		t.accountID = t.account
		return nil
	}

	resp, err := t.server.SendRequest(ctx, duplex.ActionListAccounts, map[string]any{})
	if err != nil {
		return err
	}
	if resp == nil || !resp.OK {
		return fmt.Errorf("duplex target: failed to list thunderbird accounts")
	}

	accounts, _ := resp.Result["accounts"].([]any)
	wantType := "imap"
	if t.account == "local" {
		wantType = "none"
	}
	for _, raw := range accounts {
		acc, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if accType, _ := acc["type"].(string); accType == wantType {
			if id, ok := acc["id"].(string); ok {
				t.accountID = id
				break
			}
		}
	}
	if t.accountID == "" {
		return fmt.Errorf("duplex target: no %s account found in thunderbird", t.account)
	}
	return nil
}

func (t *Target) Close() error {
	t.accountID = ""
	return nil
}

func (t *Target) CreateFolder(ctx context.Context, folder string) error {
	if t.accountID == "" {
		return fmt.Errorf("duplex target: not connected")
	}
	resp, err := t.server.SendRequest(ctx, duplex.ActionCreateFolder, map[string]any{
		"accountId": t.accountID,
		"name":      folder,
	})
	if err != nil {
		return err
	}
	if resp != nil && !resp.OK && resp.Error != "" {
		return fmt.Errorf("duplex target: create folder %s: %s", folder, resp.Error)
	}
	return nil
}

func (t *Target) DeleteFolder(ctx context.Context, folder string) error {
	if t.accountID == "" {
		return fmt.Errorf("duplex target: not connected")
	}
	resp, err := t.server.SendRequest(ctx, duplex.ActionDeleteFolder, map[string]any{
		"accountId": t.accountID,
		"name":      folder,
	})
	if err != nil {
		return err
	}
	if resp != nil && !resp.OK && resp.Error != "" {
		return fmt.Errorf("duplex target: delete folder %s: %s", folder, resp.Error)
	}
	return nil
}

// Copy asks the extension to copy env into folder using Thunderbird's
// native copy. raw message bytes are never sent over the channel; the
// extension resolves the message by its Message-ID header instead.
func (t *Target) Copy(ctx context.Context, env mail.Envelope, folder string) error {
	return t.relay(ctx, duplex.ActionCopyMessages, env, folder)
}

// Move asks the extension to move env into folder.
func (t *Target) Move(ctx context.Context, env mail.Envelope, folder string) error {
	return t.relay(ctx, duplex.ActionMoveMessages, env, folder)
}

func (t *Target) relay(ctx context.Context, action string, env mail.Envelope, folder string) error {
	if t.accountID == "" {
		return fmt.Errorf("duplex target: not connected")
	}
	resp, err := t.server.SendRequest(ctx, action, map[string]any{
		"messageIds": []string{env.MessageID},
		"accountId":  t.accountID,
		"folder":     folder,
	})
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("duplex target: %s timed out for %s", action, env.MessageID)
	}
	if !resp.OK {
		return fmt.Errorf("duplex target: %s failed for %s: %s", action, env.MessageID, resp.Error)
	}
	return nil
}

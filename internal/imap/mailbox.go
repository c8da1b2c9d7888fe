// Package imap wraps a single IMAP connection and a per-folder
// supervised IDLE listener used to ingest new messages in real time.
package imap

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fenilsonani/mailmap/internal/config"
	mailtypes "github.com/fenilsonani/mailmap/internal/mail"
)

// Mailbox is a single authenticated IMAP connection plus the
// higher-level operations the rest of mailmap needs from it.
type Mailbox struct {
	cfg     config.ImapConfig
	client  *imapclient.Client
	ensured map[string]bool
}

// Connect dials, logs in, and prepares the connection for use.
func Connect(cfg config.ImapConfig, handler *imapclient.UnilateralDataHandler) (*Mailbox, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	opts := &imapclient.Options{UnilateralDataHandler: handler}

	var client *imapclient.Client
	var err error
	if cfg.UseSSL {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imap: dial %s: %w", addr, err)
	}

	if err := client.Login(cfg.Username, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap: login: %w", err)
	}

	return &Mailbox{cfg: cfg, client: client, ensured: map[string]bool{}}, nil
}

// Close closes the underlying connection without sending LOGOUT.
func (m *Mailbox) Close() error {
	return m.client.Close()
}

// ListFolders returns every mailbox name the account exposes.
func (m *Mailbox) ListFolders() ([]string, error) {
	mailboxes, err := m.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap: list: %w", err)
	}
	names := make([]string, 0, len(mailboxes))
	for _, mb := range mailboxes {
		names = append(names, mb.Mailbox)
	}
	return names, nil
}

// SelectFolder opens folder for subsequent fetch/idle operations and
// returns its current message count.
func (m *Mailbox) SelectFolder(folder string, readOnly bool) (*goimap.SelectData, error) {
	data, err := m.client.Select(folder, &goimap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap: select %s: %w", folder, err)
	}
	return data, nil
}

// EnsureFolder creates folder if it doesn't already exist, caching
// the result so repeated deliveries to the same folder skip the round
// trip.
func (m *Mailbox) EnsureFolder(folder string) error {
	if m.ensured[folder] {
		return nil
	}
	if err := m.client.Create(folder, nil).Wait(); err != nil {
		// Mailbox-already-exists is not an error for our purposes.
		if !strings.Contains(strings.ToUpper(err.Error()), "ALREADYEXISTS") {
			return fmt.Errorf("imap: create %s: %w", folder, err)
		}
	}
	m.ensured[folder] = true
	return nil
}

// DeleteFolder removes folder from the account.
func (m *Mailbox) DeleteFolder(folder string) error {
	if err := m.client.Delete(folder).Wait(); err != nil {
		return fmt.Errorf("imap: delete %s: %w", folder, err)
	}
	delete(m.ensured, folder)
	return nil
}

// FetchRecentUID returns the highest UID currently in folder, or 0 if
// the folder is empty. Used to establish the watermark a listener
// starts watching from.
func (m *Mailbox) FetchRecentUID(folder string) (goimap.UID, error) {
	if _, err := m.SelectFolder(folder, true); err != nil {
		return 0, err
	}

	seqSet := goimap.SeqSet{}
	seqSet.AddRange(1, 0)

	fetchCmd := m.client.Fetch(seqSet, &goimap.FetchOptions{UID: true})
	defer fetchCmd.Close()

	var last goimap.UID
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		msg, err := data.Collect()
		if err != nil {
			return 0, err
		}
		if msg.UID > last {
			last = msg.UID
		}
	}
	return last, fetchCmd.Close()
}

// FetchNewSince fetches every message in folder with a UID greater
// than lastUID, returning normalized envelopes in ascending UID
// order. Uses BODY.PEEK[] so fetching never clears the \Seen flag.
func (m *Mailbox) FetchNewSince(folder string, lastUID goimap.UID) ([]mailtypes.Envelope, goimap.UID, error) {
	if _, err := m.SelectFolder(folder, true); err != nil {
		return nil, lastUID, err
	}

	uidSet := goimap.UIDSet{}
	uidSet.AddRange(lastUID+1, 0)

	fetchCmd := m.client.Fetch(uidSet, &goimap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*goimap.FetchItemBodySection{{Peek: true}},
	})
	defer fetchCmd.Close()

	var envelopes []mailtypes.Envelope
	maxUID := lastUID
	for {
		data := fetchCmd.Next()
		if data == nil {
			break
		}
		msg, err := data.Collect()
		if err != nil {
			return envelopes, maxUID, err
		}
		if msg.UID == 0 {
			continue
		}

		env, err := envelopeFromFetch(folder, msg)
		if err != nil {
			continue
		}
		envelopes = append(envelopes, env)
		if msg.UID > maxUID {
			maxUID = msg.UID
		}
	}
	return envelopes, maxUID, fetchCmd.Close()
}

func envelopeFromFetch(folder string, msg *goimap.FetchMessageBuffer) (mailtypes.Envelope, error) {
	var raw []byte
	for _, section := range msg.BodySection {
		raw = section
		break
	}

	env := mailtypes.Envelope{
		Folder:     folder,
		SourceType: "imap",
		SourceRef:  fmt.Sprint(msg.UID),
		Raw:        raw,
		Headers:    map[string]string{},
	}

	if msg.Envelope != nil {
		env.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			env.From = msg.Envelope.From[0].Addr()
		}
		if msg.Envelope.MessageID != "" {
			env.MessageID = msg.Envelope.MessageID
		}
	}

	if len(raw) > 0 {
		if parsed, err := mail.ReadMessage(strings.NewReader(string(raw))); err == nil {
			for k := range parsed.Header {
				env.Headers[k] = parsed.Header.Get(k)
			}
			if env.MessageID == "" {
				env.MessageID = parsed.Header.Get("Message-Id")
			}
			if body, err := io.ReadAll(parsed.Body); err == nil {
				env.Body = extractTextPreview(string(body))
			}
		}
	}

	if env.MessageID == "" {
		env.MessageID = fmt.Sprintf("%s-%s", folder, env.SourceRef)
	}

	return env, nil
}

// extractTextPreview trims a raw body down to a prompt-sized preview.
// mailmap only ever shows the LLM a preview, never the full body, so
// full MIME multipart walking is unnecessary here.
func extractTextPreview(body string) string {
	const maxLen = 4000
	if len(body) > maxLen {
		return body[:maxLen]
	}
	return body
}

// MoveMessages moves the messages with the given UIDs from the
// currently selected folder to dest.
func (m *Mailbox) MoveMessages(uids []goimap.UID, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := goimap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	if _, err := m.client.Move(uidSet, dest).Wait(); err != nil {
		return fmt.Errorf("imap: move to %s: %w", dest, err)
	}
	return nil
}

// CopyMessages copies the messages with the given UIDs from the
// currently selected folder to dest.
func (m *Mailbox) CopyMessages(uids []goimap.UID, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	uidSet := goimap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}
	if _, err := m.client.Copy(uidSet, dest).Wait(); err != nil {
		return fmt.Errorf("imap: copy to %s: %w", dest, err)
	}
	return nil
}

// AppendMessage uploads raw RFC 5322 content directly into folder,
// used for cross-server transfers where no local UID exists.
func (m *Mailbox) AppendMessage(ctx context.Context, folder string, raw []byte) error {
	appendCmd := m.client.Append(folder, int64(len(raw)), nil)
	if _, err := appendCmd.Write(raw); err != nil {
		appendCmd.Close()
		return fmt.Errorf("imap: append write: %w", err)
	}
	if err := appendCmd.Close(); err != nil {
		return fmt.Errorf("imap: append close: %w", err)
	}
	if _, err := appendCmd.Wait(); err != nil {
		return fmt.Errorf("imap: append: %w", err)
	}
	return nil
}

// Idle enters IDLE mode on the currently selected folder and returns a
// function that ends it. The caller is expected to have already
// registered a UnilateralDataHandler at connect time to observe
// EXISTS updates while idling.
func (m *Mailbox) Idle() (stop func() error, err error) {
	cmd, err := m.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("imap: idle: %w", err)
	}
	return func() error {
		return cmd.Close()
	}, nil
}

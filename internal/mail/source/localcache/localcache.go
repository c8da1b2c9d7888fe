// Package localcache reads messages from a Thunderbird profile's
// on-disk mbox cache, used to bootstrap taxonomy induction without a
// live IMAP round trip for every sample.
package localcache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	mailtypes "github.com/fenilsonani/mailmap/internal/mail"
)

// Source reads mbox files out of a Thunderbird profile directory.
type Source struct {
	profilePath string
}

// New builds a Source rooted at profilePath.
func New(profilePath string) *Source {
	return &Source{profilePath: profilePath}
}

func (s *Source) Type() string { return "local_cache" }

func (s *Source) Connect(ctx context.Context) error {
	if s.profilePath == "" {
		return fmt.Errorf("localcache: no profile path configured")
	}
	if _, err := os.Stat(s.profilePath); err != nil {
		return fmt.Errorf("localcache: profile path: %w", err)
	}
	return nil
}

func (s *Source) Close() error { return nil }

// ListFolders enumerates every mbox file under ImapMail/*, converting
// Thunderbird's ".sbd" subfolder convention into "/"-joined names.
func (s *Source) ListFolders(ctx context.Context) ([]string, error) {
	files, err := s.listMboxFiles()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.folder)
	}
	return names, nil
}

type mboxFile struct {
	folder string
	path   string
}

func (s *Source) listMboxFiles() ([]mboxFile, error) {
	imapMailDir := filepath.Join(s.profilePath, "ImapMail")
	entries, err := os.ReadDir(imapMailDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("localcache: read %s: %w", imapMailDir, err)
	}

	var out []mboxFile
	for _, account := range entries {
		if !account.IsDir() {
			continue
		}
		accountDir := filepath.Join(imapMailDir, account.Name())
		err := filepath.WalkDir(accountDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			name := d.Name()
			if filepath.Ext(name) != "" || strings.HasPrefix(name, ".") {
				return nil
			}
			rel, err := filepath.Rel(accountDir, path)
			if err != nil {
				return nil
			}
			out = append(out, mboxFile{folder: mboxFolderName(rel), path: path})
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func mboxFolderName(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, ".sbd")
	}
	return strings.Join(parts, "/")
}

// ReadMessages streams every message from an mbox file matching
// folder, up to limit (0 means unbounded). Messages that fail to
// parse are skipped rather than aborting the whole read. When random
// is true and limit>0, the whole folder is parsed first and limit
// messages are picked at random rather than taken in file order.
func (s *Source) ReadMessages(ctx context.Context, folder string, limit int, random bool) (<-chan mailtypes.Envelope, <-chan error) {
	out := make(chan mailtypes.Envelope)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		files, err := s.listMboxFiles()
		if err != nil {
			errc <- err
			return
		}

		var matched []mboxFile
		for _, f := range files {
			if f.folder == folder {
				matched = append(matched, f)
			}
		}

		if random && limit > 0 {
			all, err := readMboxAll(ctx, matched)
			if err != nil {
				errc <- err
				return
			}
			for _, env := range mailtypes.RandomSample(all, limit) {
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
			return
		}

		count := 0
		for _, f := range matched {
			if err := readMbox(ctx, f, out, limit, &count); err != nil {
				errc <- err
				return
			}
		}
	}()

	return out, errc
}

// readMboxAll parses every message across files into memory, used by
// the random-sampling path which needs the full population before it
// can pick from it.
func readMboxAll(ctx context.Context, files []mboxFile) ([]mailtypes.Envelope, error) {
	var all []mailtypes.Envelope
	for _, f := range files {
		collected, err := parseMboxFile(f)
		if err != nil {
			return nil, err
		}
		all = append(all, collected...)
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}
	}
	return all, nil
}

// parseMboxFile reads every message out of a single mbox file.
func parseMboxFile(f mboxFile) ([]mailtypes.Envelope, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("localcache: open %s: %w", f.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []mailtypes.Envelope
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		if env, ok := parseMboxMessage(f.folder, f.path, current.String()); ok {
			out = append(out, env)
		}
		current.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return out, scanner.Err()
}

// readMbox parses a single Unix mbox file, splitting on "From "
// separator lines per RFC 4155 and decoding each message with the
// standard mail parser.
func readMbox(ctx context.Context, f mboxFile, out chan<- mailtypes.Envelope, limit int, count *int) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("localcache: open %s: %w", f.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		if limit > 0 && *count >= limit {
			return
		}
		if env, ok := parseMboxMessage(f.folder, f.path, current.String()); ok {
			select {
			case out <- env:
				*count++
			case <-ctx.Done():
			}
		}
		current.Reset()
	}

	for scanner.Scan() {
		if limit > 0 && *count >= limit {
			return nil
		}
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") && current.Len() > 0 {
			flush()
		}
		current.WriteString(line)
		current.WriteByte('\n')
	}
	flush()
	return scanner.Err()
}

func parseMboxMessage(folder, mboxPath, raw string) (mailtypes.Envelope, bool) {
	// Drop the mbox "From " separator line itself.
	if idx := strings.IndexByte(raw, '\n'); idx >= 0 && strings.HasPrefix(raw, "From ") {
		raw = raw[idx+1:]
	}

	msg, err := mail.ReadMessage(strings.NewReader(raw))
	if err != nil {
		return mailtypes.Envelope{}, false
	}

	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}

	body, _ := io.ReadAll(io.LimitReader(msg.Body, 4000))

	messageID := msg.Header.Get("Message-Id")
	if messageID == "" {
		messageID = fmt.Sprintf("<tb-%x@local>", len(raw))
	}

	return mailtypes.Envelope{
		MessageID:  messageID,
		Folder:     folder,
		Subject:    msg.Header.Get("Subject"),
		From:       msg.Header.Get("From"),
		Body:       string(body),
		Headers:    headers,
		SourceType: "local_cache",
		SourceRef:  mboxPath,
	}, true
}

// FindProfile locates a Thunderbird profile directory. basePath, when
// non-empty, is used directly; otherwise the standard install
// locations are probed and profiles.ini is consulted for the default
// profile.
func FindProfile(basePath string) (string, error) {
	if basePath != "" {
		if _, err := os.Stat(basePath); err != nil {
			return "", fmt.Errorf("localcache: profile path %s: %w", basePath, err)
		}
		return basePath, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	candidates := []string{
		filepath.Join(home, ".thunderbird"),
		filepath.Join(home, ".mozilla-thunderbird"),
		filepath.Join(home, "snap/thunderbird/common/.thunderbird"),
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		iniPath := filepath.Join(candidate, "profiles.ini")
		if path, ok := defaultProfileFromINI(candidate, iniPath); ok {
			return path, nil
		}

		entries, err := os.ReadDir(candidate)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && strings.Contains(e.Name(), ".default") {
				return filepath.Join(candidate, e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("localcache: no thunderbird profile found")
}

// defaultProfileFromINI does a minimal scan of Thunderbird's
// profiles.ini for the Default=1 [Profile*]/[Install*] section. No
// ini parser appears anywhere in the pack, and the format here is
// small enough that a section-scoped key/value scan is simpler than
// pulling one in for this single call site.
func defaultProfileFromINI(base, iniPath string) (string, bool) {
	data, err := os.ReadFile(iniPath)
	if err != nil {
		return "", false
	}

	var section string
	values := map[string]string{}
	var fallbackPath, fallbackRelative string
	haveFallback := false

	commit := func() (string, bool) {
		if values["Default"] == "1" {
			if path, ok := resolveProfilePath(base, values); ok {
				return path, true
			}
		}
		if !haveFallback && values["Path"] != "" {
			fallbackPath = values["Path"]
			fallbackRelative = values["IsRelative"]
			haveFallback = true
		}
		return "", false
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			if section != "" {
				if path, ok := commit(); ok {
					return path, true
				}
			}
			section = strings.Trim(line, "[]")
			values = map[string]string{}
			continue
		}
		if section == "" || (!strings.HasPrefix(section, "Profile") && !strings.HasPrefix(section, "Install")) {
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok {
			values[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if section != "" {
		if path, ok := commit(); ok {
			return path, true
		}
	}

	if haveFallback {
		return resolveProfilePath(base, map[string]string{"Path": fallbackPath, "IsRelative": fallbackRelative})
	}
	return "", false
}

func resolveProfilePath(base string, values map[string]string) (string, bool) {
	path := values["Path"]
	if path == "" {
		return "", false
	}
	if values["IsRelative"] == "0" {
		return path, true
	}
	return filepath.Join(base, path), true
}

// Package mail defines the envelope type shared by every ingestion
// source and delivery target, independent of transport.
package mail

import (
	"math/rand"
	"strings"
)

// Envelope is a message normalized to a common shape regardless of
// whether it came from a live IMAP folder, a cached mbox file, or a
// duplex client upload.
type Envelope struct {
	MessageID string
	Folder    string
	Subject   string
	From      string
	Body      string
	Headers   map[string]string

	// SourceType identifies where this envelope originated: "imap",
	// "local_cache", or "duplex".
	SourceType string

	// SourceRef is transport-specific: an IMAP UID, the mbox file
	// path, or empty for a duplex upload.
	SourceRef string

	// Raw holds the full RFC 5322 message when available, used for
	// cross-server copy/append without re-fetching.
	Raw []byte
}

// Header looks up a header case-insensitively, matching the behavior
// the rule engine expects.
func (e Envelope) Header(name string) (string, bool) {
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// RandomSample picks n envelopes out of all without replacement,
// leaving all's order and contents untouched. n<=0 or n>=len(all)
// returns all of them.
func RandomSample(all []Envelope, n int) []Envelope {
	if n <= 0 || n >= len(all) {
		return all
	}
	idx := rand.Perm(len(all))[:n]
	out := make([]Envelope, n)
	for i, j := range idx {
		out[i] = all[j]
	}
	return out
}

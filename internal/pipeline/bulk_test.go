package pipeline

import (
	"context"
	"testing"

	"github.com/fenilsonani/mailmap/internal/categories"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/mail"
)

type fakeSource struct {
	folders  []string
	messages map[string][]mail.Envelope
}

func (f *fakeSource) Type() string                      { return "fake" }
func (f *fakeSource) Connect(ctx context.Context) error  { return nil }
func (f *fakeSource) Close() error                       { return nil }
func (f *fakeSource) ListFolders(ctx context.Context) ([]string, error) {
	return f.folders, nil
}
func (f *fakeSource) ReadMessages(ctx context.Context, folder string, limit int, random bool) (<-chan mail.Envelope, <-chan error) {
	out := make(chan mail.Envelope)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		envs := f.messages[folder]
		if random && limit > 0 {
			envs = mail.RandomSample(envs, limit)
		}
		for i, env := range envs {
			if !random && limit > 0 && i >= limit {
				return
			}
			out <- env
		}
	}()
	return out, errc
}

func TestBulkClassifySkipsConfiguredSpamFolders(t *testing.T) {
	st := newTestStore(t)
	client := newTestLLM(t, func(string) string {
		return `{"predicted_folder": "Work", "confidence": 0.9}`
	})
	cats := []categories.Category{{Name: "Work", Description: "job stuff"}}
	p := New(st, client, cats, nil, nil, nil, Options{}, logging.Default())

	src := &fakeSource{
		folders: []string{"INBOX", "Junk"},
		messages: map[string][]mail.Envelope{
			"INBOX": {{MessageID: "a", Subject: "one"}},
			"Junk":  {{MessageID: "b", Subject: "two"}},
		},
	}

	counters, err := p.BulkClassify(context.Background(), src, BulkOptions{
		SkipFolders: map[string]bool{"Junk": true},
	})
	if err != nil {
		t.Fatalf("BulkClassify: %v", err)
	}
	if counters.Classified != 1 {
		t.Errorf("expected 1 classified, got %+v", counters)
	}
	if exists, _ := st.Exists(context.Background(), "b"); exists {
		t.Error("expected message from skipped folder to never be inserted")
	}
}

func TestBulkClassifyFiltersToRequestedFolder(t *testing.T) {
	st := newTestStore(t)
	client := newTestLLM(t, func(string) string {
		return `{"predicted_folder": "Work", "confidence": 0.9}`
	})
	cats := []categories.Category{{Name: "Work", Description: "job stuff"}}
	p := New(st, client, cats, nil, nil, nil, Options{}, logging.Default())

	src := &fakeSource{
		folders: []string{"account1:INBOX", "account2:INBOX"},
		messages: map[string][]mail.Envelope{
			"account1:INBOX": {{MessageID: "a", Subject: "one"}},
			"account2:INBOX": {{MessageID: "b", Subject: "two"}},
		},
	}

	counters, err := p.BulkClassify(context.Background(), src, BulkOptions{FolderFilter: "INBOX"})
	if err != nil {
		t.Fatalf("BulkClassify: %v", err)
	}
	if counters.Classified != 2 {
		t.Errorf("expected both server:INBOX folders processed, got %+v", counters)
	}
}

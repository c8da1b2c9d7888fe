package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/fenilsonani/mailmap/internal/duplex"
	"github.com/fenilsonani/mailmap/internal/mail/source"
)

// BulkOptions configures a one-shot sweep over a Source's folders.
type BulkOptions struct {
	FolderFilter string
	SkipFolders  map[string]bool
	ImportLimit  int  // 0 means unbounded
	RandomSample bool // sample ImportLimit messages at random instead of sequentially
}

// BulkClassify reads every message from src's folders (skipping
// configured spam folders) and runs each one through the same
// classify-then-route logic the daemon uses per incoming message. It
// is the synchronous, no-queue counterpart to Enqueue/Run used for
// one-shot sweeps of an existing mailbox.
func (p *Pipeline) BulkClassify(ctx context.Context, src source.Source, opts BulkOptions) (Counters, error) {
	if err := src.Connect(ctx); err != nil {
		return Counters{}, fmt.Errorf("bulk classify: connect source: %w", err)
	}
	defer src.Close()

	folders, err := src.ListFolders(ctx)
	if err != nil {
		return Counters{}, fmt.Errorf("bulk classify: list folders: %w", err)
	}
	if opts.FolderFilter != "" {
		folders = filterFolders(folders, opts.FolderFilter)
	}

	start := time.Now()
	for _, folder := range folders {
		if opts.SkipFolders[folder] {
			p.log.InfoContext(ctx, "skipping spam folder", "folder", folder)
			continue
		}

		p.log.InfoContext(ctx, "processing folder", "folder", folder)
		out, errc := src.ReadMessages(ctx, folder, opts.ImportLimit, opts.RandomSample)

		for env := range out {
			select {
			case <-ctx.Done():
				return p.Counters(), ctx.Err()
			default:
			}
			if err := p.processOne(ctx, env); err != nil {
				p.log.WarnContext(ctx, "failed to process message", "message_id", env.MessageID, "error", err)
			}
			if c := p.Counters(); c.Classified > 0 && c.Classified%10 == 0 {
				elapsed := time.Since(start).Seconds()
				rate := float64(c.Classified) / elapsed
				p.log.InfoContext(ctx, "progress", "classified", c.Classified, "per_second", rate)
			}
		}
		if err := <-errc; err != nil {
			p.log.WarnContext(ctx, "error reading folder", "folder", folder, "error", err)
		}
	}

	p.Wait()
	counters := p.Counters()
	if p.duplex != nil {
		p.duplex.BroadcastEvent(duplex.EventBatchComplete, map[string]any{
			"imported":   counters.Imported,
			"classified": counters.Classified,
			"spam":       counters.Spam,
			"routed":     counters.Routed,
			"failed":     counters.Failed,
		})
	}
	return counters, nil
}

func filterFolders(folders []string, want string) []string {
	var out []string
	for _, f := range folders {
		if f == want || hasServerPrefix(f, want) {
			out = append(out, f)
		}
	}
	return out
}

// hasServerPrefix matches the "server:folder" addressing a
// multi-account source may use for a folder spec.
func hasServerPrefix(folderSpec, name string) bool {
	suffix := ":" + name
	if len(folderSpec) < len(suffix) {
		return false
	}
	return folderSpec[len(folderSpec)-len(suffix):] == suffix
}

// Package pipeline implements the classification loop shared by the
// daemon's incoming-mail processor and the bulk classify command: a
// rule-engine spam pre-filter, LLM classification against the loaded
// taxonomy, and threshold-based routing to a delivery target.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fenilsonani/mailmap/internal/categories"
	"github.com/fenilsonani/mailmap/internal/duplex"
	"github.com/fenilsonani/mailmap/internal/llm"
	"github.com/fenilsonani/mailmap/internal/logging"
	"github.com/fenilsonani/mailmap/internal/mail"
	"github.com/fenilsonani/mailmap/internal/mail/target"
	"github.com/fenilsonani/mailmap/internal/metrics"
	"github.com/fenilsonani/mailmap/internal/rules"
	"github.com/fenilsonani/mailmap/internal/store"
)

// UnknownFolder is where a classification landing below MinConfidence
// is routed instead of its predicted category.
const UnknownFolder = "Unknown"

// routeConcurrency bounds how many target Copy/Move calls run at
// once. A buffered channel used as a token bucket, the idiom Go
// substitutes for a weighted semaphore without adding a dependency.
const routeConcurrency = 4

// routeTimeout bounds a single target write so a stuck connection
// can't hold a routing slot forever.
const routeTimeout = 30 * time.Second

// Counters tracks pipeline progress for status logging and the
// bulk-classify command's final summary.
type Counters struct {
	Imported   int
	Classified int
	Spam       int
	Routed     int
	Failed     int
}

// Options configures a Pipeline.
type Options struct {
	MinConfidence float64
	Move          bool // false means copy
	TargetAccount string
}

// Pipeline classifies envelopes and, when a target is configured,
// files them into the destination folder the classification names.
type Pipeline struct {
	store  *store.Store
	llm    *llm.Client
	rules  []rules.Rule
	target target.Target
	duplex *duplex.Server
	opts   Options
	log    *logging.Logger

	in  chan mail.Envelope
	out chan mail.Envelope
	wg  sync.WaitGroup

	routeSem chan struct{}
	routeWG  sync.WaitGroup

	catMu      sync.RWMutex
	categories []categories.Category

	mu       sync.Mutex
	counters Counters
}

// New builds a Pipeline. target and duplexServer may be nil: a nil
// target means classify-only (no copy/move), and a nil duplexServer
// means no emailClassified/batchComplete events are emitted.
func New(st *store.Store, llmClient *llm.Client, cats []categories.Category, ruleSet []rules.Rule, tgt target.Target, duplexServer *duplex.Server, opts Options, log *logging.Logger) *Pipeline {
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.5
	}
	p := &Pipeline{
		store:      st,
		llm:        llmClient,
		categories: cats,
		rules:      ruleSet,
		target:     tgt,
		duplex:     duplexServer,
		opts:       opts,
		log:        log.Pipeline(),
		in:         make(chan mail.Envelope),
		out:        make(chan mail.Envelope),
		routeSem:   make(chan struct{}, routeConcurrency),
	}
	p.wg.Add(1)
	go p.bridge()
	return p
}

// Enqueue adds env to the pipeline's queue without blocking the
// caller, mirroring asyncio.Queue.put_nowait's role in the IMAP
// listener callback.
func (p *Pipeline) Enqueue(env mail.Envelope) {
	p.in <- env
}

// bridge turns the pipeline's input channel into an effectively
// unbounded one by buffering in a growable slice, so Enqueue never
// blocks on a slow consumer the way a fixed-capacity channel would.
func (p *Pipeline) bridge() {
	defer p.wg.Done()
	defer close(p.out)

	var buf []mail.Envelope
	for {
		if len(buf) == 0 {
			v, ok := <-p.in
			if !ok {
				return
			}
			buf = append(buf, v)
			metrics.QueueDepth.Set(float64(len(buf)))
			continue
		}

		select {
		case v, ok := <-p.in:
			if !ok {
				for _, item := range buf {
					p.out <- item
				}
				metrics.QueueDepth.Set(0)
				return
			}
			buf = append(buf, v)
			metrics.QueueDepth.Set(float64(len(buf)))
		case p.out <- buf[0]:
			buf = buf[1:]
			metrics.QueueDepth.Set(float64(len(buf)))
		}
	}
}

// CloseInput stops the pipeline from accepting new work. Run drains
// whatever is already queued before returning.
func (p *Pipeline) CloseInput() {
	close(p.in)
}

// Run consumes queued envelopes until ctx is cancelled or the input
// is closed and drained, whichever comes first. On cancellation it
// finishes draining what bridge has already buffered in p.out rather
// than abandoning in-flight work mid-classification.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.Wait()
	for {
		select {
		case env, ok := <-p.out:
			if !ok {
				return
			}
			if err := p.processOne(ctx, env); err != nil {
				p.log.WarnContext(ctx, "failed to process message", "message_id", env.MessageID, "error", err)
			}
		case <-ctx.Done():
			p.drain()
			return
		}
	}
}

// drain flushes whatever bridge has already buffered without
// processing it, so the consumer loop can exit promptly once shutdown
// begins instead of keeping the LLM busy on a cancelled run.
func (p *Pipeline) drain() {
	for {
		select {
		case _, ok := <-p.out:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (p *Pipeline) processOne(ctx context.Context, env mail.Envelope) error {
	exists, err := p.store.Exists(ctx, env.MessageID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if isJunk, matched := rules.Verdict(env.Headers, p.rules); isJunk {
		if err := p.store.InsertIfAbsent(ctx, store.Message{
			MessageID:   env.MessageID,
			Folder:      env.Folder,
			Subject:     env.Subject,
			Sender:      env.From,
			SourceRef:   env.SourceRef,
			IsJunk:      true,
			MatchedRule: &matched,
			ProcessedAt: time.Now(),
		}); err != nil {
			return err
		}
		p.addCounts(func(c *Counters) { c.Spam++ })
		metrics.MessagesJunk.Inc()
		return nil
	}

	if err := p.store.InsertIfAbsent(ctx, store.Message{
		MessageID:   env.MessageID,
		Folder:      env.Folder,
		Subject:     env.Subject,
		Sender:      env.From,
		SourceRef:   env.SourceRef,
		ProcessedAt: time.Now(),
	}); err != nil {
		return err
	}
	p.addCounts(func(c *Counters) { c.Imported++ })
	metrics.MessagesImported.Inc()

	descriptions := categories.Descriptions(p.Categories())
	if len(descriptions) == 0 {
		p.log.WarnContext(ctx, "no categories available, skipping classification", "message_id", env.MessageID)
		return nil
	}

	classifyStart := time.Now()
	classification, err := p.llm.Classify(ctx, llm.Sample{
		MessageID: env.MessageID,
		Subject:   env.Subject,
		From:      env.From,
		Body:      env.Body,
	}, descriptions, "")
	metrics.ClassificationDuration.Observe(time.Since(classifyStart).Seconds())
	if err != nil {
		p.addCounts(func(c *Counters) { c.Failed++ })
		metrics.MessagesFailed.Inc()
		return fmt.Errorf("classify %s: %w", env.MessageID, err)
	}

	if err := p.store.UpdateClassification(ctx, env.MessageID, classification.Category, classification.Confidence); err != nil {
		return err
	}
	p.addCounts(func(c *Counters) { c.Classified++ })
	metrics.MessagesClassified.WithLabelValues(classification.Category).Inc()
	p.log.InfoContext(ctx, "classified message", "message_id", env.MessageID, "category", classification.Category, "confidence", classification.Confidence)

	if p.duplex != nil {
		p.duplex.BroadcastEvent(duplex.EventEmailClassified, map[string]any{
			"messageId":  env.MessageID,
			"subject":    env.Subject,
			"folder":     classification.Category,
			"confidence": classification.Confidence,
		})
	}

	if p.target != nil {
		p.scheduleRoute(env, classification)
	}
	return nil
}

// scheduleRoute runs route in a goroutine bounded by routeSem, so at
// most routeConcurrency target writes are in flight at once. It uses a
// context detached from the caller's so an in-flight write survives a
// Run shutdown-cancellation instead of being abandoned half-done.
func (p *Pipeline) scheduleRoute(env mail.Envelope, classification llm.Classification) {
	p.routeSem <- struct{}{}
	p.routeWG.Add(1)
	go func() {
		defer p.routeWG.Done()
		defer func() { <-p.routeSem }()

		ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
		defer cancel()

		if err := p.route(ctx, env, classification); err != nil {
			p.addCounts(func(c *Counters) { c.Failed++ })
			metrics.MessagesFailed.Inc()
			p.log.WarnContext(ctx, "failed to route message", "message_id", env.MessageID, "error", err)
			return
		}
		p.addCounts(func(c *Counters) { c.Routed++ })
	}()
}

// Wait blocks until every route goroutine scheduled so far has
// finished. Run and BulkClassify call this before reporting done so a
// caller's final counters reflect all in-flight target writes.
func (p *Pipeline) Wait() {
	p.routeWG.Wait()
}

func (p *Pipeline) route(ctx context.Context, env mail.Envelope, classification llm.Classification) error {
	destFolder := classification.Category
	if classification.Confidence < p.opts.MinConfidence {
		destFolder = UnknownFolder
	}
	if err := p.target.CreateFolder(ctx, destFolder); err != nil {
		return err
	}
	action := "copy"
	if p.opts.Move {
		action = "move"
		if err := p.target.Move(ctx, env, destFolder); err != nil {
			return err
		}
	} else if err := p.target.Copy(ctx, env, destFolder); err != nil {
		return err
	}
	metrics.MessagesTransferred.WithLabelValues(action).Inc()
	return p.store.MarkTransferred(ctx, env.MessageID)
}

func (p *Pipeline) addCounts(fn func(*Counters)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.counters)
}

// Counters returns a snapshot of the pipeline's progress so far.
func (p *Pipeline) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}

// Categories returns the taxonomy currently in use.
func (p *Pipeline) Categories() []categories.Category {
	p.catMu.RLock()
	defer p.catMu.RUnlock()
	return p.categories
}

// SetCategories replaces the taxonomy in use, letting a long-running
// daemon pick up edits to the category file (made by "learn" or "init"
// while it runs) without a restart.
func (p *Pipeline) SetCategories(cats []categories.Category) {
	p.catMu.Lock()
	defer p.catMu.Unlock()
	p.categories = cats
}

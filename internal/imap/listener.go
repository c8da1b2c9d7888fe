package imap

import (
	"context"
	"math"
	"sync"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/fenilsonani/mailmap/internal/config"
	"github.com/fenilsonani/mailmap/internal/logging"
	mailtypes "github.com/fenilsonani/mailmap/internal/mail"
	"github.com/fenilsonani/mailmap/internal/metrics"
)

const (
	initialRetryDelay = 5 * time.Second
	maxRetryDelay     = 300 * time.Second
	backoffMultiplier = 2.0
	idleTimeout       = 29 * time.Minute
)

// calculateBackoff returns min(5*2^attempt, 300) seconds.
func calculateBackoff(attempt int) time.Duration {
	delay := time.Duration(float64(initialRetryDelay) * math.Pow(backoffMultiplier, float64(attempt)))
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// Listener runs one supervised IDLE loop per configured folder,
// delivering newly arrived messages to a callback and reconnecting
// with exponential backoff on any connection failure.
type Listener struct {
	cfg config.ImapConfig
	log *logging.Logger

	mu        sync.Mutex
	watermark map[string]uint32
}

// NewListener builds a listener for the given account configuration.
func NewListener(cfg config.ImapConfig, log *logging.Logger) *Listener {
	return &Listener{cfg: cfg, log: log.IMAP(), watermark: map[string]uint32{}}
}

// Start watches every configured idle folder until ctx is cancelled,
// invoking onMessage for each newly observed envelope. It blocks until
// all per-folder goroutines have returned.
func (l *Listener) Start(ctx context.Context, onMessage func(mailtypes.Envelope)) {
	var wg sync.WaitGroup
	for _, folder := range l.cfg.IdleFolders {
		wg.Add(1)
		go func(folder string) {
			defer wg.Done()
			l.watchFolder(ctx, folder, onMessage)
		}(folder)
	}
	wg.Wait()
}

func (l *Listener) watchFolder(ctx context.Context, folder string, onMessage func(mailtypes.Envelope)) {
	attempt := 0
	for ctx.Err() == nil {
		if err := l.runIdleLoop(ctx, folder, onMessage); err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := calculateBackoff(attempt)
			l.log.ErrorContext(ctx, "imap connection error", "folder", folder, "error", err)
			metrics.ListenerReconnects.WithLabelValues(folder).Inc()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			attempt++
			continue
		}
		attempt = 0
	}
}

func (l *Listener) runIdleLoop(ctx context.Context, folder string, onMessage func(mailtypes.Envelope)) error {
	newMessages := make(chan struct{}, 1)
	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(d *imapclient.UnilateralDataMailbox) {
			if d.NumMessages != nil {
				select {
				case newMessages <- struct{}{}:
				default:
				}
			}
		},
	}

	mailbox, err := Connect(l.cfg, handler)
	if err != nil {
		return err
	}
	defer mailbox.Close()

	if _, err := mailbox.SelectFolder(folder, true); err != nil {
		return err
	}

	lastUID, err := mailbox.FetchRecentUID(folder)
	if err != nil {
		return err
	}
	l.setWatermark(folder, uint32(lastUID))
	l.log.InfoContext(ctx, "idle started", "folder", folder, "watermark", lastUID)

	for ctx.Err() == nil {
		stop, err := mailbox.Idle()
		if err != nil {
			return err
		}

		select {
		case <-newMessages:
		case <-time.After(idleTimeout):
		case <-ctx.Done():
			stop()
			return nil
		}
		if err := stop(); err != nil {
			return err
		}

		envelopes, maxUID, err := mailbox.FetchNewSince(folder, goimap.UID(l.getWatermark(folder)))
		if err != nil {
			return err
		}
		for _, env := range envelopes {
			onMessage(env)
		}
		if maxUID > 0 {
			l.setWatermark(folder, uint32(maxUID))
		}
	}
	return nil
}

func (l *Listener) getWatermark(folder string) uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.watermark[folder]
}

func (l *Listener) setWatermark(folder string, uid uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watermark[folder] = uid
}

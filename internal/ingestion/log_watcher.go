// Package ingestion feeds program activity observed over a Solana node's logs
// subscription into the same processor that serves webhook deliveries.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bonding-curve-feed/internal/observability"
	"bonding-curve-feed/internal/rpcqueue"
	"bonding-curve-feed/internal/solana"
	"bonding-curve-feed/internal/webhook"
)

const (
	signaturePageSize    = 1000
	defaultRetryInterval = 30 * time.Second
)

// LogWatcherOptions configures a LogWatcher.
type LogWatcherOptions struct {
	WS          solana.WSClient
	RPC         solana.RPCClient
	Scheduler   *rpcqueue.Scheduler
	Processor   *webhook.Processor
	Broadcaster webhook.Broadcaster
	ProgramID   string
	// BackfillLimit caps the signatures re-read on start and after a reconnect; 0 disables backfill.
	BackfillLimit int
	// RetryInterval is how often a backfill is retried while signatures are missing.
	RetryInterval time.Duration
	Logger        *logrus.Entry
}

// LogWatcher subscribes to program logs, fetches each mentioned transaction and runs
// it through the webhook processor. Signatures already seen through the webhook are skipped.
type LogWatcher struct {
	ws        solana.WSClient
	rpc       solana.RPCClient
	sched     *rpcqueue.Scheduler
	processor *webhook.Processor
	out       webhook.Broadcaster
	programID string
	limit     int
	retry     time.Duration
	log       *logrus.Entry
	now       func() time.Time

	backfill chan struct{}

	mu      sync.Mutex
	lastSig string // newest signature with nothing missing before it
	stalled bool   // a signature after lastSig failed; lastSig stays until a backfill recovers it
}

// NewLogWatcher creates a LogWatcher.
func NewLogWatcher(opts LogWatcherOptions) *LogWatcher {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	retry := opts.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &LogWatcher{
		ws:        opts.WS,
		rpc:       opts.RPC,
		sched:     opts.Scheduler,
		processor: opts.Processor,
		out:       opts.Broadcaster,
		programID: opts.ProgramID,
		limit:     opts.BackfillLimit,
		retry:     retry,
		log:       log.WithField("component", "log_watcher"),
		now:       time.Now,
		backfill:  make(chan struct{}, 1),
	}
}

// TriggerBackfill schedules a backfill; it is the WebSocket client's OnReconnect hook.
func (w *LogWatcher) TriggerBackfill() {
	select {
	case w.backfill <- struct{}{}:
	default:
	}
}

// Run subscribes and handles notifications until ctx is cancelled or the
// subscription channel closes.
func (w *LogWatcher) Run(ctx context.Context) error {
	notifications, err := w.ws.SubscribeLogs(ctx, solana.LogsFilter{Mentions: []string{w.programID}})
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	w.log.WithField("program", w.programID).Info("subscribed to program logs")
	w.TriggerBackfill()

	ticker := time.NewTicker(w.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.Stalled() {
				w.TriggerBackfill()
			}
		case <-w.backfill:
			if _, err := w.Backfill(ctx); err != nil && ctx.Err() == nil {
				w.log.WithError(err).Warn("backfill failed")
			}
		case notif, ok := <-notifications:
			if !ok {
				return errors.New("log subscription closed")
			}
			observability.RecordLogNotification()
			if notif.Err != nil {
				continue
			}
			if err := w.Handle(ctx, notif.Signature); err != nil && ctx.Err() == nil {
				w.log.WithError(err).WithField("signature", notif.Signature).Warn("handle notification")
			}
		}
	}
}

// Stalled reports whether a signature failed since the last complete backfill.
func (w *LogWatcher) Stalled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stalled
}

// Backfill re-reads recent program signatures newer than the last contiguous
// handled one, oldest first, and returns how many transactions it processed.
// Signatures that fail keep the cursor in front of them for the next backfill.
func (w *LogWatcher) Backfill(ctx context.Context) (int, error) {
	if w.limit <= 0 {
		return 0, nil
	}
	w.mu.Lock()
	until := w.lastSig
	w.mu.Unlock()

	var (
		sigs   []string
		before string
		newest string
	)
	for len(sigs) < w.limit {
		opts := &solana.SignaturesOpts{
			Before: before,
			Until:  until,
			Limit:  min(signaturePageSize, w.limit-len(sigs)),
		}
		page, err := rpcqueue.Do(ctx, w.sched, "getSignaturesForAddress", func(ctx context.Context) ([]solana.SignatureInfo, error) {
			return w.rpc.GetSignaturesForAddress(ctx, w.programID, opts)
		})
		if err != nil {
			w.stall()
			return 0, fmt.Errorf("get signatures: %w", err)
		}
		if newest == "" && len(page) > 0 {
			newest = page[0].Signature
		}
		for _, s := range page {
			if !s.Failed() {
				sigs = append(sigs, s.Signature)
			}
		}
		if len(page) < opts.Limit {
			break
		}
		before = page[len(page)-1].Signature
	}

	// newest first from the node
	slices.Reverse(sigs)

	processed, missing := 0, 0
	cursor := until
	for _, sig := range sigs {
		seen, err := w.processor.Seen(ctx, sig)
		if err == nil && seen {
			if missing == 0 {
				cursor = sig
			}
			continue
		}
		if err := w.handle(ctx, sig); err != nil {
			if ctx.Err() != nil {
				w.settle(cursor, false)
				return processed, ctx.Err()
			}
			w.log.WithError(err).WithField("signature", sig).Warn("backfill transaction")
			missing++
			continue
		}
		if missing == 0 {
			cursor = sig
		}
		processed++
		observability.RecordBackfill()
	}

	if missing == 0 && newest != "" {
		cursor = newest
	}
	w.settle(cursor, missing == 0)

	if processed > 0 || missing > 0 {
		w.log.WithFields(logrus.Fields{
			"signatures": len(sigs),
			"processed":  processed,
			"missing":    missing,
		}).Info("backfill complete")
	}
	return processed, nil
}

// Handle fetches one transaction, processes it and publishes the resulting events.
// A failure holds the backfill cursor at the last signature handled before it.
func (w *LogWatcher) Handle(ctx context.Context, signature string) error {
	if err := w.handle(ctx, signature); err != nil {
		w.stall()
		return err
	}
	w.mu.Lock()
	if !w.stalled {
		w.lastSig = signature
	}
	w.mu.Unlock()
	return nil
}

func (w *LogWatcher) stall() {
	w.mu.Lock()
	w.stalled = true
	w.mu.Unlock()
}

// settle moves the cursor after a backfill; complete clears the stall.
func (w *LogWatcher) settle(cursor string, complete bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSig = cursor
	w.stalled = !complete
}

func (w *LogWatcher) handle(ctx context.Context, signature string) error {
	tx, err := rpcqueue.Do(ctx, w.sched, "getTransaction", func(ctx context.Context) (*solana.Transaction, error) {
		return w.rpc.GetTransaction(ctx, signature)
	})
	if err != nil {
		return fmt.Errorf("get transaction: %w", err)
	}
	if tx == nil {
		return fmt.Errorf("transaction %s not found", signature)
	}

	res, err := w.processor.Process(ctx, []webhook.Transaction{ToWebhookTransaction(tx)})
	if err != nil {
		return err
	}
	if _, err := webhook.Publish(w.out, res, w.now()); err != nil {
		w.processor.Rollback(ctx, res)
		return err
	}
	return nil
}

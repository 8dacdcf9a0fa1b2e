// Package receiver polls a folder for newly arrived messages.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
)

// DefaultInterval is the pause between polls that found nothing.
const DefaultInterval = 2 * time.Second

// WatermarkStore persists the watermark between runs.
type WatermarkStore interface {
	Watermark(folder string) (time.Time, bool)
	SetWatermark(folder string, at time.Time) error
}

type Options struct {
	Interval time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Since is the initial watermark. When zero, the receiver resumes from
	// the watermark held in Store, or starts at Now().
	Since  time.Time
	Store  WatermarkStore
	Logger *slog.Logger
}

// Receiver returns messages that arrived in a folder after its watermark.
// The watermark never moves backwards.
type Receiver struct {
	session  *folder.Session
	interval time.Duration
	now      func() time.Time
	store    WatermarkStore
	logger   *slog.Logger

	// callMu serialises WaitForMessages; mu guards watermark.
	callMu    sync.Mutex
	mu        sync.Mutex
	watermark time.Time
}

// New creates a receiver over session.
func New(session *folder.Session, opts Options) *Receiver {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Receiver{
		session:   session,
		interval:  opts.Interval,
		now:       opts.Now,
		store:     opts.Store,
		logger:    opts.Logger,
		watermark: opts.Since,
	}
	if r.watermark.IsZero() {
		r.watermark = opts.Now()
		if r.store != nil {
			if stored, ok := r.store.Watermark(session.Name()); ok {
				r.watermark = stored
			}
		}
	}
	return r
}

// Watermark returns the arrival time after which messages are reported.
func (r *Receiver) Watermark() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.watermark
}

// WaitForMessages blocks until at least one message arrived strictly after
// the watermark and returns those messages ordered by arrival. The watermark
// then advances to the current time.
func (r *Receiver) WaitForMessages(ctx context.Context) ([]model.Message, error) {
	r.callMu.Lock()
	defer r.callMu.Unlock()

	name := r.session.Name()
	for {
		if ctx.Err() != nil {
			return nil, mailerr.Cancelled(ctx, "wait for messages in "+name)
		}

		batch, err := r.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, mailerr.Cancelled(ctx, "wait for messages in "+name)
			}
			return nil, err
		}
		if len(batch) > 0 {
			watermark := r.advance(name)
			if r.logger != nil {
				r.logger.Debug("Received messages", "folder", name, "count", len(batch), "watermark", watermark)
			}
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, mailerr.Cancelled(ctx, "wait for messages in "+name)
		case <-time.After(r.interval):
		}
	}
}

func (r *Receiver) poll(ctx context.Context) ([]model.Message, error) {
	since := r.Watermark()
	var batch []model.Message
	err := r.session.Do(ctx, mailstore.ReadOnly, func(ctx context.Context, f mailstore.Folder) error {
		uids, err := f.Search(ctx, mailstore.Criteria{Since: since})
		if err != nil {
			return fmt.Errorf("search %s: %w", f.Name(), err)
		}
		if len(uids) == 0 {
			return nil
		}
		msgs, err := f.Fetch(ctx, uids)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", f.Name(), err)
		}
		for _, msg := range msgs {
			// The store search is date-granular; ties are already seen.
			if msg.ReceivedAt.After(since) {
				batch = append(batch, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].ReceivedAt.Equal(batch[j].ReceivedAt) {
			return batch[i].ReceivedAt.Before(batch[j].ReceivedAt)
		}
		return batch[i].UID < batch[j].UID
	})
	return batch, nil
}

func (r *Receiver) advance(name string) time.Time {
	r.mu.Lock()
	if now := r.now(); now.After(r.watermark) {
		r.watermark = now
	}
	watermark := r.watermark
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SetWatermark(name, watermark); err != nil && r.logger != nil {
			r.logger.Warn("Persisting watermark failed", "folder", name, "err", err)
		}
	}
	return watermark
}

// Package runner wires the receive pipeline: a receive stage polls the inbox
// and a verify stage checks each message's signed envelope and files it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailsig/credstore"
	"github.com/dhcgn/mailsig/envelope"
	"github.com/dhcgn/mailsig/filter"
	"github.com/dhcgn/mailsig/folder"
	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
	"github.com/dhcgn/mailsig/receiver"
	"github.com/dhcgn/mailsig/state"
	"github.com/dhcgn/mailsig/stats"
)

var ErrNoSender = errors.New("message has no sender address")

type StageFunc func(context.Context) error

// AnchorResolver looks up the trust anchor of a sender address.
type AnchorResolver interface {
	Anchor(alias string) (*credstore.TrustAnchor, error)
}

// Exporter receives a copy of every verified message.
type Exporter interface {
	Export(msg model.Message) error
}

// Outcome is the verdict of the verify stage for one message.
type Outcome string

const (
	OutcomeVerified  Outcome = "verified"
	OutcomeForged    Outcome = "forged"
	OutcomeMalformed Outcome = "malformed"
	OutcomeUntrusted Outcome = "untrusted"
	OutcomeFiltered  Outcome = "filtered"
)

type Result struct {
	Message model.Message
	Outcome Outcome
	// Payload is set for verified messages.
	Payload *envelope.SignedPayload
	Err     error
}

type Options struct {
	Ops     *folder.Ops
	Codec   *envelope.Codec
	Anchors AnchorResolver
	Tracker state.Tracker
	// Filter and Exporter are optional.
	Filter   *filter.Filter
	Exporter Exporter

	Inbox      string
	Processed  string
	Quarantine string

	Interval time.Duration
	Since    time.Time
	// MaxBatches stops the receive stage after that many batches. Zero
	// polls until cancelled.
	MaxBatches int
	// OnResult is called from the verify stage for every message.
	OnResult func(Result)
}

type Runner struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	received chan model.Message

	stages      []namedStage
	subscribers []subscriber

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeReceivedOnce sync.Once
	since             time.Time
}

type namedStage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// New builds a runner whose stages stop when ctx is cancelled.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Runner, error) {
	if opts.Ops == nil || opts.Codec == nil || opts.Anchors == nil {
		return nil, errors.New("runner needs folder ops, a codec and an anchor resolver")
	}
	if opts.Tracker == nil {
		opts.Tracker = state.NewMemoryTracker()
	}
	if opts.Inbox == "" {
		opts.Inbox = mailstore.DefaultFolder
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		received: make(chan model.Message, 32),
	}

	r.AddStage("receive", r.receive)
	r.AddStage("verify", r.verify)
	return r, nil
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.opts.Tracker
}

// EmitEvent hands evt to every stats subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. It must be called
// before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, subscriber{name: name, fn: fn, events: make(chan stats.Event, 128)})
}

// AddStage registers a stage. It must be called before Start.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, namedStage{name: name, fn: fn})
}

// Start runs all stages and blocks until they finish. It returns the first
// stage failure; cancellation of the parent context is not a failure.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, sub := range r.subscribers {
		r.statsWG.Add(1)
		go func(sub subscriber) {
			defer r.statsWG.Done()
			if err := sub.fn(r.ctx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stats: %w", sub.name, err))
			}
		}(sub)
	}
	for _, stage := range r.stages {
		r.workWG.Add(1)
		go func(stage namedStage) {
			defer r.workWG.Done()
			if err := stage.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.fail(fmt.Errorf("%s stage: %w", stage.name, err))
			}
		}(stage)
	}

	r.workWG.Wait()
	for _, sub := range r.subscribers {
		close(sub.events)
	}
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("pipeline failed", "duration", duration, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("pipeline completed", "duration", duration)
	}
	return nil
}

func (r *Runner) receive(ctx context.Context) error {
	defer r.closeReceived()

	session, err := r.opts.Ops.Session(ctx, r.opts.Inbox)
	if err != nil {
		return err
	}
	rcv := receiver.New(session, receiver.Options{
		Interval: r.opts.Interval,
		Since:    r.opts.Since,
		Store:    r.opts.Tracker,
		Logger:   r.logger,
	})

	for batches := 0; r.opts.MaxBatches == 0 || batches < r.opts.MaxBatches; batches++ {
		msgs, err := rcv.WaitForMessages(ctx)
		if err != nil {
			if errors.Is(err, mailerr.ErrCancelled) {
				return context.Canceled
			}
			r.EmitEvent(stats.Event{Stage: stats.StageReceive, Type: stats.EventTypeError, Err: err})
			return err
		}
		r.EmitEvent(stats.Event{Stage: stats.StageReceive, Type: stats.EventTypePolled, Detail: fmt.Sprintf("%d messages", len(msgs))})

		for _, msg := range msgs {
			r.EmitEvent(stats.Event{Stage: stats.StageReceive, Type: stats.EventTypeReceived, MessageID: msg.ID, Sender: msg.From})
			if r.opts.Tracker.AlreadyProcessed(model.Hash(msg.Raw)) {
				r.EmitEvent(stats.Event{Stage: stats.StageReceive, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.received <- msg:
			}
		}
	}
	return nil
}

func (r *Runner) verify(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-r.received:
			if !ok {
				return nil
			}
			if err := r.handle(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// handle verifies msg and files it. Only failures that make further
// processing pointless are returned.
func (r *Runner) handle(ctx context.Context, msg model.Message) error {
	res := r.check(msg)
	if res.Err != nil && res.Outcome == "" {
		r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeError, MessageID: msg.ID, Err: res.Err})
		return res.Err
	}
	r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: res.Outcome.EventType(), MessageID: msg.ID, Sender: msg.From, Err: res.Err})
	if r.logger != nil {
		r.logger.Info("message checked", "id", msg.ID, "from", msg.From, "outcome", res.Outcome, "err", res.Err)
	}

	if res.Outcome == OutcomeVerified && r.opts.Exporter != nil {
		if err := r.opts.Exporter.Export(msg); err != nil {
			r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
			return fmt.Errorf("export %s: %w", msg.ID, err)
		}
		r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeExported, MessageID: msg.ID})
	}

	if dest := r.destination(res.Outcome); dest != "" {
		if err := r.opts.Ops.Move(ctx, []model.Message{msg}, dest); err != nil {
			r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
			if mailerr.Retryable(err) {
				if r.logger != nil {
					r.logger.Warn("move failed, message left in place", "id", msg.ID, "dest", dest, "err", err)
				}
				return nil
			}
			return err
		}
		r.EmitEvent(stats.Event{Stage: stats.StageVerify, Type: stats.EventTypeMoved, MessageID: msg.ID, Detail: dest})
	}

	if err := r.opts.Tracker.MarkProcessed(model.Hash(msg.Raw), msg.ID); err != nil {
		return fmt.Errorf("mark processed %s: %w", msg.ID, err)
	}
	if r.opts.OnResult != nil {
		r.opts.OnResult(res)
	}
	return nil
}

func (r *Runner) check(msg model.Message) Result {
	return Check(msg, r.opts.Filter, r.opts.Codec, r.opts.Anchors)
}

// Check verifies msg against the trust anchor of its sender. A Result with an
// Err but no Outcome means the check could not be carried out at all.
func Check(msg model.Message, f *filter.Filter, codec *envelope.Codec, anchors AnchorResolver) Result {
	res := Result{Message: msg}
	if !f.Allows(msg) {
		res.Outcome = OutcomeFiltered
		return res
	}

	sp, err := envelope.Extract(msg.Raw)
	if err != nil {
		res.Outcome, res.Err = OutcomeMalformed, err
		return res
	}
	if msg.From == "" {
		res.Outcome, res.Err = OutcomeMalformed, ErrNoSender
		return res
	}

	anchor, err := anchors.Anchor(msg.From)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			res.Outcome, res.Err = OutcomeUntrusted, err
			return res
		}
		res.Err = err
		return res
	}

	ok, err := codec.Verify(sp, anchor)
	switch {
	case errors.Is(err, mailerr.ErrEnvelopeMalformed):
		res.Outcome, res.Err = OutcomeMalformed, err
	case err != nil:
		// Unusable anchors are a local failure, not a verdict on the message.
		res.Err = err
	case !ok:
		res.Outcome, res.Err = OutcomeForged, mailerr.ErrSignatureInvalid
	default:
		res.Outcome, res.Payload = OutcomeVerified, sp
	}
	return res
}

func (r *Runner) destination(outcome Outcome) string {
	switch outcome {
	case OutcomeVerified:
		return r.opts.Processed
	case OutcomeForged, OutcomeMalformed, OutcomeUntrusted:
		return r.opts.Quarantine
	}
	return ""
}

// EventType maps an outcome to the stats event reporting it.
func (o Outcome) EventType() stats.EventType {
	switch o {
	case OutcomeVerified:
		return stats.EventTypeVerified
	case OutcomeForged:
		return stats.EventTypeForged
	case OutcomeMalformed:
		return stats.EventTypeMalformed
	case OutcomeUntrusted:
		return stats.EventTypeUntrusted
	default:
		return stats.EventTypeFiltered
	}
}

func (r *Runner) closeReceived() {
	r.closeReceivedOnce.Do(func() {
		close(r.received)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}

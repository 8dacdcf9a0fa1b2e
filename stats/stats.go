package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageReceive Stage = "receive"
	StageVerify  Stage = "verify"
)

type EventType string

const (
	EventTypePolled    EventType = "polled"
	EventTypeReceived  EventType = "received"
	EventTypeDuplicate EventType = "duplicate"
	EventTypeFiltered  EventType = "filtered"
	EventTypeVerified  EventType = "verified"
	EventTypeForged    EventType = "forged"
	EventTypeMalformed EventType = "malformed"
	EventTypeUntrusted EventType = "untrusted"
	EventTypeMoved     EventType = "moved"
	EventTypeExported  EventType = "exported"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Sender    string
	Err       error
	Detail    string
}

type Summary struct {
	Polls      int
	Received   int
	Duplicates int
	Filtered   int
	Verified   int
	Forged     int
	Malformed  int
	Untrusted  int
	Moved      int
	Exported   int
	Errors     int
	LastError  error
	// Senders counts verified messages per sender address.
	Senders map[string]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"polls", s.Polls,
		"received", s.Received,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"verified", s.Verified,
		"forged", s.Forged,
		"malformed", s.Malformed,
		"untrusted", s.Untrusted,
		"moved", s.Moved,
		"exported", s.Exported,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{Senders: make(map[string]int)}}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	summary.Senders = make(map[string]int, len(c.summary.Senders))
	for k, v := range c.summary.Senders {
		summary.Senders[k] = v
	}
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypePolled:
		c.summary.Polls++
	case EventTypeReceived:
		c.summary.Received++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeVerified:
		c.summary.Verified++
		if evt.Sender != "" {
			c.summary.Senders[evt.Sender]++
		}
	case EventTypeForged:
		c.summary.Forged++
	case EventTypeMalformed:
		c.summary.Malformed++
	case EventTypeUntrusted:
		c.summary.Untrusted++
	case EventTypeMoved:
		c.summary.Moved++
	case EventTypeExported:
		c.summary.Exported++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the limit most frequent keys of m to w.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}

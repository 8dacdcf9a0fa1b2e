// Package progress renders a live status line for the receive pipeline.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailsig/stats"
)

// Status keeps a pterm area updated with the pipeline counters.
type Status struct {
	area      *pterm.AreaPrinter
	collector *stats.Collector
	lastID    string
	mu        sync.Mutex
	enabled   bool
}

// New creates a live status if logLevel is "info". Other levels print log
// lines that would tear the area apart.
func New(logLevel string) *Status {
	status := &Status{
		collector: stats.NewCollector(),
		enabled:   logLevel == "info",
	}

	if status.enabled {
		area, err := pterm.DefaultArea.Start(render(stats.Summary{}, ""))
		if err != nil {
			status.enabled = false
			return status
		}
		status.area = area
	}

	return status
}

// Update applies evt to the counters and redraws the status.
func (s *Status) Update(evt stats.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collector.Apply(evt)
	if evt.MessageID != "" {
		s.lastID = evt.MessageID
	}
	if !s.enabled || s.area == nil {
		return
	}

	switch evt.Type {
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.Printfln("%v", evt.Err)
		}
	case stats.EventTypeForged:
		pterm.Warning.Printfln("Forged message %s from %s", evt.MessageID, evt.Sender)
	}
	s.area.Update(render(s.collector.Snapshot(), s.lastID))
}

// Stop finalizes the status area.
func (s *Status) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || s.area == nil {
		return
	}
	_ = s.area.Stop()
	s.area = nil
}

// Subscriber is a stats subscriber that feeds the status.
func (s *Status) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			s.Update(evt)
		}
	}
}

func render(summary stats.Summary, lastID string) string {
	line := fmt.Sprintf("Polls: %d | Received: %d | Verified: %d | Forged: %d | Malformed: %d | Untrusted: %d | Moved: %d",
		summary.Polls, summary.Received, summary.Verified, summary.Forged, summary.Malformed, summary.Untrusted, summary.Moved)
	if lastID != "" {
		if len(lastID) > 40 {
			lastID = lastID[:37] + "..."
		}
		line += "\nLast: " + lastID
	}
	return line
}

// Reporter prints a summary table once the pipeline ends.
type Reporter struct {
	status    *Status
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the status (when enabled) and a summary collector
// to stream.
func NewReporter(stream stats.EventStream, status *Status, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		status:    status,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if status != nil && status.enabled {
		stream.SubscribeStats("progress-status", status.Subscriber)
		stream.SubscribeStats("progress-summary", reporter.collectStats)
	}

	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	if err := pterm.DefaultTable.WithHasHeader().WithData(summaryTable(summary, time.Since(pr.started))).Render(); err != nil && pr.logger != nil {
		pr.logger.Debug("render summary failed", "err", err)
	}
	if summary.LastError != nil {
		pterm.Error.Printfln("Last error: %v", summary.LastError)
	}
	return nil
}

func summaryTable(summary stats.Summary, duration time.Duration) pterm.TableData {
	row := func(name string, n int) []string { return []string{name, strconv.Itoa(n)} }
	return pterm.TableData{
		{"Counter", "Value"},
		{"Duration", duration.Round(time.Millisecond).String()},
		row("Polls", summary.Polls),
		row("Received", summary.Received),
		row("Duplicates", summary.Duplicates),
		row("Filtered", summary.Filtered),
		row("Verified", summary.Verified),
		row("Forged", summary.Forged),
		row("Malformed", summary.Malformed),
		row("Untrusted", summary.Untrusted),
		row("Moved", summary.Moved),
		row("Exported", summary.Exported),
		row("Errors", summary.Errors),
	}
}

// Package mbox reads mbox archives into messages, for seeding the offline
// store and for the verify command, and writes verified messages back out.
package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailsig/model"
)

// Scan reads every message of the archive in r and hands it to fn. Messages
// that cannot be parsed reach fn as an Envelope carrying Err; returning an
// error from fn stops the scan.
func Scan(ctx context.Context, r io.Reader, fn func(model.Envelope) error) error {
	reader := mboxlib.NewReader(r)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := model.Parse(raw)
		if err != nil {
			if err := fn(model.Envelope{Err: fmt.Errorf("message %d: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}
		if err := fn(model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

// Load reads the archive at path. Unparsable messages are logged and skipped.
func Load(ctx context.Context, path string, logger *slog.Logger) ([]model.Message, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	var msgs []model.Message
	err = Scan(ctx, file, func(env model.Envelope) error {
		if env.Err != nil {
			if logger != nil {
				logger.Warn("skipping mbox message", "path", path, "err", env.Err)
			}
			return nil
		}
		msgs = append(msgs, env.Message)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read mbox %s: %w", path, err)
	}
	if logger != nil {
		logger.Debug("mbox loaded", "path", path, "messages", len(msgs))
	}
	return msgs, nil
}

// Exporter appends messages to an mbox archive.
type Exporter struct {
	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	count  int
}

// NewExporter opens path for appending, creating it when needed.
func NewExporter(path string) (*Exporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open export mbox: %w", err)
	}
	return &Exporter{file: file, writer: mboxlib.NewWriter(file)}, nil
}

// Export writes msg as the next archive entry.
func (e *Exporter) Export(msg model.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		return errors.New("export mbox is closed")
	}

	from := msg.From
	if from == "" {
		from = "MAILER-DAEMON"
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	w, err := e.writer.CreateMessage(from, at)
	if err != nil {
		return fmt.Errorf("export %s: %w", msg.ID, err)
	}
	if _, err := w.Write(msg.Raw); err != nil {
		return fmt.Errorf("export %s: %w", msg.ID, err)
	}
	e.count++
	return nil
}

// Count returns how many messages were exported.
func (e *Exporter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		return nil
	}
	err := e.writer.Close()
	e.writer = nil
	if cerr := e.file.Close(); err == nil {
		err = cerr
	}
	return err
}

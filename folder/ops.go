package folder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
)

// Ops performs message operations against a store, keeping one Session per
// folder.
type Ops struct {
	store  mailstore.Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewOps creates message operations over store.
func NewOps(store mailstore.Store, opts Options) *Ops {
	return &Ops{
		store:    store,
		opts:     opts,
		logger:   opts.Logger,
		sessions: make(map[string]*Session),
	}
}

// Session returns the session for the named folder, creating it on first use.
func (o *Ops) Session(ctx context.Context, name string) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[name]; ok {
		return s, nil
	}
	f, err := o.store.Folder(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("folder %s: %w", name, err)
	}
	s := NewSession(f, o.opts)
	o.sessions[name] = s
	return s, nil
}

// Search returns the messages in folder matching criteria, ordered by UID.
func (o *Ops) Search(ctx context.Context, folder string, criteria mailstore.Criteria) ([]model.Message, error) {
	s, err := o.Session(ctx, folder)
	if err != nil {
		return nil, err
	}
	var msgs []model.Message
	err = s.Do(ctx, mailstore.ReadOnly, func(ctx context.Context, f mailstore.Folder) error {
		uids, err := f.Search(ctx, criteria)
		if err != nil {
			return fmt.Errorf("search %s: %w", folder, err)
		}
		if len(uids) == 0 {
			return nil
		}
		msgs, err = f.Fetch(ctx, uids)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", folder, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

// FindByID returns the single message in folder whose Message-ID is id. It
// returns mailerr.ErrNotFound when there is none and mailerr.ErrAmbiguousID
// when there is more than one.
func (o *Ops) FindByID(ctx context.Context, folder, id string) (model.Message, error) {
	msgs, err := o.Search(ctx, folder, mailstore.Criteria{MessageID: id})
	if err != nil {
		return model.Message{}, err
	}
	switch len(msgs) {
	case 0:
		return model.Message{}, fmt.Errorf("find %q in %s: %w", id, folder, mailerr.ErrNotFound)
	case 1:
		return msgs[0], nil
	default:
		return model.Message{}, fmt.Errorf("find %q in %s: %d matches: %w", id, folder, len(msgs), mailerr.ErrAmbiguousID)
	}
}

// Move copies msgs to dest and removes them from their source folder. All
// messages must come from the same folder. The destination is not opened.
func (o *Ops) Move(ctx context.Context, msgs []model.Message, dest string) error {
	if len(msgs) == 0 {
		return nil
	}
	src := sourceFolder(msgs)
	s, err := o.Session(ctx, src)
	if err != nil {
		return err
	}
	uids := uidsOf(msgs)
	err = s.Do(ctx, mailstore.ReadWrite, func(ctx context.Context, f mailstore.Folder) error {
		if err := f.Copy(ctx, uids, dest); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", src, dest, err)
		}
		if err := f.SetDeleted(ctx, uids, true); err != nil {
			return fmt.Errorf("flag deleted in %s: %w", src, err)
		}
		if err := f.Expunge(ctx); err != nil {
			return fmt.Errorf("expunge %s: %w", src, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if o.logger != nil {
		o.logger.Debug("Moved messages", "from", src, "to", dest, "count", len(msgs))
	}
	return nil
}

// Delete removes msgs from their source folder. All messages must come from
// the same folder.
func (o *Ops) Delete(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	src := sourceFolder(msgs)
	s, err := o.Session(ctx, src)
	if err != nil {
		return err
	}
	uids := uidsOf(msgs)
	err = s.Do(ctx, mailstore.ReadWrite, func(ctx context.Context, f mailstore.Folder) error {
		if err := f.SetDeleted(ctx, uids, true); err != nil {
			return fmt.Errorf("flag deleted in %s: %w", src, err)
		}
		if err := f.Expunge(ctx); err != nil {
			return fmt.Errorf("expunge %s: %w", src, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if o.logger != nil {
		o.logger.Debug("Deleted messages", "folder", src, "count", len(msgs))
	}
	return nil
}

// Append delivers raw into folder.
func (o *Ops) Append(ctx context.Context, folder string, raw []byte, received time.Time) error {
	if err := o.store.Append(ctx, folder, raw, received); err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	return nil
}

// Close closes every open session without expunging.
func (o *Ops) Close(ctx context.Context) error {
	o.mu.Lock()
	sessions := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	var firstErr error
	for _, s := range sessions {
		if err := s.Close(ctx, false); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// sourceFolder returns the folder shared by msgs. Mixing folders is a caller
// bug and panics.
func sourceFolder(msgs []model.Message) string {
	src := msgs[0].Folder
	for _, m := range msgs[1:] {
		if m.Folder != src {
			panic(fmt.Sprintf("folder: messages from %q and %q in one call", src, m.Folder))
		}
	}
	return src
}

func uidsOf(msgs []model.Message) []uint32 {
	uids := make([]uint32, len(msgs))
	for i, m := range msgs {
		uids[i] = m.UID
	}
	return uids
}

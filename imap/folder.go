package imap

import (
	"context"
	"errors"
	"sort"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
)

// folder is a handle on one mailbox of a Store. Every command takes the
// store mutex, so commands from different handles never interleave.
type folder struct {
	store *Store
	name  string
}

var (
	errClosed            = errors.New("connection closed")
	errFolderNotSelected = errors.New("folder is not selected")
	errFolderReadOnly    = errors.New("folder is selected read-only")
)

func (f *folder) Name() string { return f.name }

func (f *folder) IsOpen() bool {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	return !f.store.closed && f.store.selected == f.name
}

func (f *folder) Mode() mailstore.Mode {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.selected != f.name {
		return 0
	}
	return f.store.mode
}

func (f *folder) Open(_ context.Context, mode mailstore.Mode) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if f.store.logger != nil {
		f.store.logger.Debug("imap select", "mailbox", f.name, "mode", mode.String())
	}
	return f.store.selectLocked(f.name, mode)
}

func (f *folder) Close(_ context.Context, expunge bool) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.selected != f.name {
		return nil
	}
	if expunge && s.mode == mailstore.ReadWrite {
		if err := s.client.Expunge().Close(); err != nil {
			return classify("expunge", f.name, err)
		}
	}
	return s.unselectLocked(f.name)
}

// client returns the connection after checking that this folder is selected
// in at least mode. The store mutex must be held.
func (f *folder) client(op string, mode mailstore.Mode) (*imapclient.Client, error) {
	s := f.store
	if s.closed {
		return nil, mailerr.Fatal(op, f.name, errClosed)
	}
	if s.selected != f.name {
		return nil, mailerr.Transient(op, f.name, errFolderNotSelected)
	}
	if !s.mode.Satisfies(mode) {
		return nil, mailerr.Transient(op, f.name, errFolderReadOnly)
	}
	return s.client, nil
}

func (f *folder) Search(_ context.Context, criteria mailstore.Criteria) ([]uint32, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, err := f.client("search", mailstore.ReadOnly)
	if err != nil {
		return nil, err
	}

	search := &imapv2.SearchCriteria{}
	if !criteria.Since.IsZero() {
		// SINCE compares dates only; callers filter the superset.
		search.Since = criteria.SinceDate()
	}
	wantID := strings.Trim(strings.TrimSpace(criteria.MessageID), "<>")
	if wantID != "" {
		search.Header = []imapv2.SearchCriteriaHeaderField{{Key: "Message-Id", Value: wantID}}
	}

	data, err := c.UIDSearch(search, nil).Wait()
	if err != nil {
		return nil, classify("search", f.name, err)
	}
	uids := toUint32(data.AllUIDs())
	if wantID == "" || len(uids) == 0 {
		return uids, nil
	}

	// HEADER search matches substrings; keep exact Message-ID matches only.
	bufs, err := c.Fetch(imapv2.UIDSetNum(toUIDs(uids)...), &imapv2.FetchOptions{UID: true, Envelope: true}).Collect()
	if err != nil {
		return nil, classify("search", f.name, err)
	}
	exact := uids[:0]
	for _, buf := range bufs {
		if buf.Envelope != nil && strings.Trim(buf.Envelope.MessageID, "<>") == wantID {
			exact = append(exact, uint32(buf.UID))
		}
	}
	sort.Slice(exact, func(i, j int) bool { return exact[i] < exact[j] })
	return exact, nil
}

func (f *folder) Fetch(_ context.Context, uids []uint32) ([]model.Message, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, err := f.client("fetch", mailstore.ReadOnly)
	if err != nil {
		return nil, err
	}

	section := &imapv2.FetchItemBodySection{Peek: true}
	opts := &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}
	bufs, err := c.Fetch(imapv2.UIDSetNum(toUIDs(uids)...), opts).Collect()
	if err != nil {
		return nil, classify("fetch", f.name, err)
	}

	msgs := make([]model.Message, 0, len(bufs))
	for _, buf := range bufs {
		msgs = append(msgs, messageFromBuffer(f.name, buf, buf.FindBodySection(section)))
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID < msgs[j].UID })
	return msgs, nil
}

func (f *folder) SetDeleted(_ context.Context, uids []uint32, deleted bool) error {
	if len(uids) == 0 {
		return nil
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, err := f.client("store", mailstore.ReadWrite)
	if err != nil {
		return err
	}
	op := imapv2.StoreFlagsAdd
	if !deleted {
		op = imapv2.StoreFlagsDel
	}
	err = c.Store(imapv2.UIDSetNum(toUIDs(uids)...), &imapv2.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return classify("store", f.name, err)
	}
	return nil
}

func (f *folder) Expunge(_ context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, err := f.client("expunge", mailstore.ReadWrite)
	if err != nil {
		return err
	}
	if err := c.Expunge().Close(); err != nil {
		return classify("expunge", f.name, err)
	}
	return nil
}

func (f *folder) Copy(_ context.Context, uids []uint32, dest string) error {
	if len(uids) == 0 {
		return nil
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	c, err := f.client("copy", mailstore.ReadOnly)
	if err != nil {
		return err
	}
	if _, err := c.Copy(imapv2.UIDSetNum(toUIDs(uids)...), dest).Wait(); err != nil {
		return classify("copy", dest, err)
	}
	return nil
}

// messageFromBuffer builds a Message from fetched data. Headers are parsed
// from the raw message when possible and taken from the envelope otherwise.
func messageFromBuffer(name string, buf *imapclient.FetchMessageBuffer, raw []byte) model.Message {
	msg, err := model.Parse(raw)
	if err != nil {
		msg = model.Message{Raw: raw, Size: int64(len(raw))}
		if env := buf.Envelope; env != nil {
			msg.ID = strings.Trim(env.MessageID, "<>")
			msg.Subject = env.Subject
			msg.From = envelopeSender(env)
		}
	}
	msg.UID = uint32(buf.UID)
	msg.Folder = name
	if !buf.InternalDate.IsZero() {
		msg.ReceivedAt = buf.InternalDate
	}
	if buf.RFC822Size > 0 {
		msg.Size = buf.RFC822Size
	}
	return msg
}

func envelopeSender(env *imapv2.Envelope) string {
	for _, list := range [][]imapv2.Address{env.Sender, env.From, env.ReplyTo} {
		for _, addr := range list {
			if a := addr.Addr(); a != "" {
				return strings.ToLower(a)
			}
		}
	}
	return ""
}

func toUIDs(uids []uint32) []imapv2.UID {
	out := make([]imapv2.UID, len(uids))
	for i, uid := range uids {
		out[i] = imapv2.UID(uid)
	}
	return out
}

func toUint32(uids []imapv2.UID) []uint32 {
	out := make([]uint32, len(uids))
	for i, uid := range uids {
		out[i] = uint32(uid)
	}
	return out
}

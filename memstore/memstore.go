// Package memstore is an in-process implementation of mailstore.Store. It
// backs the offline mode of the CLI (seeded from mbox archives) and the tests
// of the packages built on top of mailstore.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/mailstore"
	"github.com/dhcgn/mailsig/model"
)

var (
	ErrNoSuchFolder = errors.New("folder does not exist")
	ErrNotOpen      = errors.New("folder is not open")
	ErrReadOnly     = errors.New("folder is open read-only")
	ErrClosed       = errors.New("store is closed")
	ErrInjected     = errors.New("injected open failure")
)

type entry struct {
	msg     model.Message
	deleted bool
}

type mailbox struct {
	nextUID uint32
	entries []*entry
}

// Store keeps folders and messages in memory.
type Store struct {
	mu       sync.Mutex
	folders  map[string]*mailbox
	calls    map[string]int
	failOpen int
	closed   bool
}

var _ mailstore.Store = (*Store)(nil)

// New returns a store with an empty INBOX.
func New() *Store {
	s := &Store{
		folders: make(map[string]*mailbox),
		calls:   make(map[string]int),
	}
	s.CreateFolder(mailstore.DefaultFolder)
	return s
}

// CreateFolder adds an empty folder. Existing folders are left untouched.
func (s *Store) CreateFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[name]; !ok {
		s.folders[name] = &mailbox{nextUID: 1}
	}
}

// Add stores msg in the named folder, creating the folder when needed, and
// returns the assigned UID.
func (s *Store) Add(folder string, msg model.Message) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.folders[folder]
	if !ok {
		mb = &mailbox{nextUID: 1}
		s.folders[folder] = mb
	}
	return mb.add(folder, msg)
}

// Seed adds all msgs to the named folder.
func (s *Store) Seed(folder string, msgs []model.Message) {
	for _, msg := range msgs {
		s.Add(folder, msg)
	}
}

// FailOpens makes the next n folder opens fail with a transient error.
func (s *Store) FailOpens(n int) {
	s.mu.Lock()
	s.failOpen = n
	s.mu.Unlock()
}

// Calls returns how many times op was invoked on the store or its folders.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of store and folder operations performed.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// Messages returns a snapshot of the messages in folder, including those
// flagged as deleted but not yet expunged.
func (s *Store) Messages(folder string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb, ok := s.folders[folder]
	if !ok {
		return nil
	}
	out := make([]model.Message, 0, len(mb.entries))
	for _, e := range mb.entries {
		out = append(out, e.msg)
	}
	return out
}

func (s *Store) Folder(_ context.Context, name string) (mailstore.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["folder"]++
	if s.closed {
		return nil, mailerr.Fatal("folder", name, ErrClosed)
	}
	if _, ok := s.folders[name]; !ok {
		return nil, mailerr.Fatal("folder", name, ErrNoSuchFolder)
	}
	return &folderHandle{store: s, name: name}, nil
}

func (s *Store) Append(_ context.Context, folder string, raw []byte, received time.Time) error {
	msg, err := model.Parse(raw)
	if err != nil {
		return fmt.Errorf("append to %s: %w", folder, err)
	}
	if !received.IsZero() {
		msg.ReceivedAt = received
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["append"]++
	if s.closed {
		return mailerr.Fatal("append", folder, ErrClosed)
	}
	mb, ok := s.folders[folder]
	if !ok {
		return mailerr.Fatal("append", folder, ErrNoSuchFolder)
	}
	mb.add(folder, msg)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (mb *mailbox) add(folder string, msg model.Message) uint32 {
	msg.UID = mb.nextUID
	msg.Folder = folder
	if msg.Size == 0 {
		msg.Size = int64(len(msg.Raw))
	}
	mb.nextUID++
	mb.entries = append(mb.entries, &entry{msg: msg})
	return msg.UID
}

func (mb *mailbox) lookup(uids []uint32) []*entry {
	want := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		want[uid] = struct{}{}
	}
	var out []*entry
	for _, e := range mb.entries {
		if _, ok := want[e.msg.UID]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (mb *mailbox) expunge() {
	kept := mb.entries[:0]
	for _, e := range mb.entries {
		if !e.deleted {
			kept = append(kept, e)
		}
	}
	mb.entries = kept
}

type folderHandle struct {
	store *Store
	name  string
	open  bool
	mode  mailstore.Mode
}

func (f *folderHandle) Name() string { return f.name }

func (f *folderHandle) IsOpen() bool { return f.open }

func (f *folderHandle) Mode() mailstore.Mode { return f.mode }

func (f *folderHandle) Open(_ context.Context, mode mailstore.Mode) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["open"]++
	if s.closed {
		return mailerr.Fatal("open", f.name, ErrClosed)
	}
	if f.open {
		return mailerr.Transient("open", f.name, errors.New("folder already open"))
	}
	if s.failOpen > 0 {
		s.failOpen--
		return mailerr.Transient("open", f.name, ErrInjected)
	}
	if _, ok := s.folders[f.name]; !ok {
		return mailerr.Fatal("open", f.name, ErrNoSuchFolder)
	}
	f.open = true
	f.mode = mode
	return nil
}

func (f *folderHandle) Close(_ context.Context, expunge bool) error {
	s := f.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["close"]++
	if !f.open {
		return nil
	}
	if expunge && f.mode == mailstore.ReadWrite {
		if mb, ok := s.folders[f.name]; ok {
			mb.expunge()
		}
	}
	f.open = false
	f.mode = 0
	return nil
}

// mailboxLocked returns the backing mailbox after checking the handle is open
// in at least mode. The store mutex must be held.
func (f *folderHandle) mailboxLocked(op string, mode mailstore.Mode) (*mailbox, error) {
	s := f.store
	s.calls[op]++
	if s.closed {
		return nil, mailerr.Fatal(op, f.name, ErrClosed)
	}
	if !f.open {
		return nil, mailerr.Transient(op, f.name, ErrNotOpen)
	}
	if !f.mode.Satisfies(mode) {
		return nil, mailerr.Transient(op, f.name, ErrReadOnly)
	}
	mb, ok := s.folders[f.name]
	if !ok {
		return nil, mailerr.Fatal(op, f.name, ErrNoSuchFolder)
	}
	return mb, nil
}

func (f *folderHandle) Search(_ context.Context, criteria mailstore.Criteria) ([]uint32, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	mb, err := f.mailboxLocked("search", mailstore.ReadOnly)
	if err != nil {
		return nil, err
	}

	var sinceDay time.Time
	if !criteria.Since.IsZero() {
		sinceDay = day(criteria.SinceDate())
	}
	wantID := strings.Trim(strings.TrimSpace(criteria.MessageID), "<>")

	var uids []uint32
	for _, e := range mb.entries {
		if !sinceDay.IsZero() && day(e.msg.ReceivedAt).Before(sinceDay) {
			continue
		}
		if wantID != "" && e.msg.ID != wantID {
			continue
		}
		uids = append(uids, e.msg.UID)
	}
	return uids, nil
}

func (f *folderHandle) Fetch(_ context.Context, uids []uint32) ([]model.Message, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	mb, err := f.mailboxLocked("fetch", mailstore.ReadOnly)
	if err != nil {
		return nil, err
	}
	entries := mb.lookup(uids)
	out := make([]model.Message, 0, len(entries))
	for _, e := range entries {
		msg := e.msg
		msg.Raw = append([]byte(nil), e.msg.Raw...)
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (f *folderHandle) SetDeleted(_ context.Context, uids []uint32, deleted bool) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	mb, err := f.mailboxLocked("store", mailstore.ReadWrite)
	if err != nil {
		return err
	}
	for _, e := range mb.lookup(uids) {
		e.deleted = deleted
	}
	return nil
}

func (f *folderHandle) Expunge(_ context.Context) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	mb, err := f.mailboxLocked("expunge", mailstore.ReadWrite)
	if err != nil {
		return err
	}
	mb.expunge()
	return nil
}

func (f *folderHandle) Copy(_ context.Context, uids []uint32, dest string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	mb, err := f.mailboxLocked("copy", mailstore.ReadOnly)
	if err != nil {
		return err
	}
	target, ok := f.store.folders[dest]
	if !ok {
		return mailerr.Fatal("copy", dest, ErrNoSuchFolder)
	}
	for _, e := range mb.lookup(uids) {
		msg := e.msg
		msg.Raw = append([]byte(nil), e.msg.Raw...)
		target.add(dest, msg)
	}
	return nil
}

// day is the calendar date of t in its own zone, compared the way an IMAP
// server evaluates SEARCH SINCE.
func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

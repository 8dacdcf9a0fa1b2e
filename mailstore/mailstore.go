// Package mailstore describes the remote message store the rest of the
// module talks to. Implementations live in the imap and memstore packages.
package mailstore

import (
	"context"
	"fmt"
	"time"

	"github.com/dhcgn/mailsig/model"
)

// DefaultFolder is the folder new mail arrives in.
const DefaultFolder = "INBOX"

// Mode is a folder access mode. Modes are ordered: ReadWrite satisfies a
// ReadOnly requirement but not the other way round.
type Mode int

const (
	ReadOnly Mode = iota + 1
	ReadWrite
)

func (m Mode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Satisfies reports whether a folder open in mode m may serve an operation
// that requires mode want.
func (m Mode) Satisfies(want Mode) bool {
	return m >= want
}

// Criteria selects messages in a folder. Zero fields do not constrain.
//
// Since is a lower bound on the arrival time. Stores are allowed to evaluate it
// at date granularity, so results are a superset of the messages that arrived
// after Since; callers needing precision filter locally.
type Criteria struct {
	Since     time.Time
	MessageID string
}

// SinceDate is the date a store should compare against for Since. Servers
// compare calendar dates in their own zone, so the bound is moved back a day
// to cover Since whatever zone it was expressed in.
func (c Criteria) SinceDate() time.Time {
	return c.Since.UTC().AddDate(0, 0, -1)
}

// Store is a connection to a remote message store.
type Store interface {
	// Folder returns the handle for the named folder. The folder must exist.
	// Handles are not opened.
	Folder(ctx context.Context, name string) (Folder, error)

	// Append delivers raw into the named folder.
	Append(ctx context.Context, folder string, raw []byte, received time.Time) error

	// Close disconnects from the store.
	Close() error
}

// Folder is a handle to one named folder. A handle is owned by a single
// folder.Session; implementations need not be safe for concurrent use of the
// same handle.
type Folder interface {
	Name() string
	IsOpen() bool
	Mode() Mode

	Open(ctx context.Context, mode Mode) error
	// Close closes the folder. When expunge is false, messages flagged as
	// deleted stay in the folder.
	Close(ctx context.Context, expunge bool) error

	Search(ctx context.Context, criteria Criteria) ([]uint32, error)
	Fetch(ctx context.Context, uids []uint32) ([]model.Message, error)
	SetDeleted(ctx context.Context, uids []uint32, deleted bool) error
	Expunge(ctx context.Context) error
	Copy(ctx context.Context, uids []uint32, dest string) error
}

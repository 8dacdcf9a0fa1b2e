package model

import "time"

// Message is a transient view of a single message in a store folder.
type Message struct {
	ID         string
	UID        uint32
	Folder     string
	From       string
	Subject    string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Outgoing describes a payload to be signed and delivered.
type Outgoing struct {
	From        string
	To          []string
	Subject     string
	ContentType string
	Payload     []byte
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}

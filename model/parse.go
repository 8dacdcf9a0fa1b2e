package model

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

var ErrMessageIDMissing = errors.New("message missing Message-Id header")

// Parse reads the header of a raw RFC 5322 message into a Message. The
// returned message carries raw as its content and takes ReceivedAt from the
// Date header; UID and Folder are left for the store to fill in.
func Parse(raw []byte) (Message, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	id, err := h.MessageID()
	if err != nil || id == "" {
		id = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}
	if id == "" {
		return Message{}, ErrMessageIDMissing
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	msg := Message{
		ID:      id,
		From:    SenderAddress(h),
		Subject: subject,
		Size:    int64(len(raw)),
		Raw:     raw,
	}
	if date, err := h.Date(); err == nil {
		msg.ReceivedAt = date
	}
	return msg, nil
}

// SenderAddress returns the sender of a message: the Sender header when
// present, otherwise the first address of From followed by Reply-To. It
// returns an empty string when none is set.
func SenderAddress(h mail.Header) string {
	for _, key := range []string{"Sender", "From", "Reply-To"} {
		addrs, err := h.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr != nil && addr.Address != "" {
				return strings.ToLower(addr.Address)
			}
		}
	}
	return ""
}

// Hash returns the hex SHA-256 of raw, used to recognise a message that was
// already processed even when its Message-ID is reused.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

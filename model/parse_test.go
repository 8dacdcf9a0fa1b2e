package model

import (
	"errors"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	raw := []byte("Message-Id: <abc@example.org>\r\n" +
		"From: Alice <Alice@Example.org>\r\n" +
		"Subject: =?utf-8?q?caf=C3=A9?=\r\n" +
		"Date: Tue, 02 Apr 2024 09:30:00 +0000\r\n" +
		"\r\n" +
		"body\r\n")

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.ID != "abc@example.org" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.From != "alice@example.org" {
		t.Errorf("From = %q", msg.From)
	}
	if msg.Subject != "café" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if want := time.Date(2024, 4, 2, 9, 30, 0, 0, time.UTC); !msg.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", msg.ReceivedAt, want)
	}
	if msg.Size != int64(len(raw)) {
		t.Errorf("Size = %d", msg.Size)
	}
}

func TestParse_MissingMessageID(t *testing.T) {
	_, err := Parse([]byte("From: a@example.org\r\n\r\nbody\r\n"))
	if !errors.Is(err, ErrMessageIDMissing) {
		t.Fatalf("err = %v, want ErrMessageIDMissing", err)
	}
}

func TestSenderAddressOrder(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"sender wins", "Sender: s@example.org\r\nFrom: f@example.org\r\n", "s@example.org"},
		{"from", "From: f@example.org, g@example.org\r\nReply-To: r@example.org\r\n", "f@example.org"},
		{"reply-to", "Reply-To: r@example.org\r\n", "r@example.org"},
		{"none", "Subject: x\r\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte("Message-Id: <x@example.org>\r\n" + tt.header + "\r\nbody\r\n"))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if msg.From != tt.want {
				t.Errorf("From = %q, want %q", msg.From, tt.want)
			}
		})
	}
}

func TestHash(t *testing.T) {
	if Hash([]byte("a")) == Hash([]byte("b")) {
		t.Fatal("different input hashed equal")
	}
	if got := len(Hash(nil)); got != 64 {
		t.Fatalf("hash length = %d", got)
	}
}

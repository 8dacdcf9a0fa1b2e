package filter

import (
	"testing"

	"github.com/dhcgn/mailsig/model"
)

func message(from, subject, body string) model.Message {
	return model.Message{
		ID:      "id@example.org",
		From:    from,
		Subject: subject,
		Raw:     []byte("From: " + from + "\r\nSubject: " + subject + "\r\n\r\n" + body),
	}
}

func TestFilter_Allows(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		msg  model.Message
		want bool
	}{
		{
			name: "no filters",
			msg:  message("alice@example.org", "hello", "body"),
			want: true,
		},
		{
			name: "include sender matches",
			opts: Options{IncludeSender: []string{`@example\.org$`}},
			msg:  message("alice@example.org", "hello", "body"),
			want: true,
		},
		{
			name: "include sender misses",
			opts: Options{IncludeSender: []string{`@example\.org$`}},
			msg:  message("mallory@evil.test", "hello", "body"),
			want: false,
		},
		{
			name: "sender match is case-insensitive on the address",
			opts: Options{IncludeSender: []string{`^alice@example\.org$`}},
			msg:  message("Alice@Example.org", "hello", "body"),
			want: true,
		},
		{
			name: "include subject or body",
			opts: Options{IncludeSubject: []string{"^invoice"}, IncludeBody: []string{"important"}},
			msg:  message("a@example.org", "hello", "this is important"),
			want: true,
		},
		{
			name: "exclude subject",
			opts: Options{ExcludeSubject: []string{"(?i)spam"}},
			msg:  message("a@example.org", "This is SPAM", "body"),
			want: false,
		},
		{
			name: "exclude body",
			opts: Options{ExcludeBody: []string{"unsubscribe"}},
			msg:  message("a@example.org", "news", "click to unsubscribe"),
			want: false,
		},
		{
			name: "include and exclude combine",
			opts: Options{IncludeSender: []string{`@example\.org$`}, ExcludeSubject: []string{"^auto-reply"}},
			msg:  message("a@example.org", "auto-reply: away", "body"),
			want: false,
		},
		{
			name: "blank patterns are ignored",
			opts: Options{IncludeSender: []string{"  "}},
			msg:  message("a@example.org", "hello", "body"),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := New(tt.opts)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := f.Allows(tt.msg); got != tt.want {
				t.Errorf("Allows() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilter_Nil(t *testing.T) {
	var f *Filter
	if !f.Allows(message("a@example.org", "x", "y")) {
		t.Error("nil filter should allow every message")
	}
}

func TestFilter_InvalidPattern(t *testing.T) {
	if _, err := New(Options{ExcludeBody: []string{"("}}); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestSplitRawMessage(t *testing.T) {
	tests := []struct {
		name       string
		raw        []byte
		wantHeader []byte
		wantBody   []byte
	}{
		{
			name:       "CRLF separator",
			raw:        []byte("Header: value\r\n\r\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "LF separator",
			raw:        []byte("Header: value\n\nBody content"),
			wantHeader: []byte("Header: value"),
			wantBody:   []byte("Body content"),
		},
		{
			name:       "No separator",
			raw:        []byte("All header content"),
			wantHeader: []byte("All header content"),
			wantBody:   nil,
		},
		{
			name:       "Empty message",
			raw:        []byte{},
			wantHeader: nil,
			wantBody:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotHeader, gotBody := SplitRawMessage(tt.raw)
			if string(gotHeader) != string(tt.wantHeader) {
				t.Errorf("SplitRawMessage() header = %q, want %q", gotHeader, tt.wantHeader)
			}
			if string(gotBody) != string(tt.wantBody) {
				t.Errorf("SplitRawMessage() body = %q, want %q", gotBody, tt.wantBody)
			}
		})
	}
}

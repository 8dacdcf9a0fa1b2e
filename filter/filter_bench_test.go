package filter

import (
	"testing"

	"github.com/dhcgn/mailsig/model"
)

var benchMessage = model.Message{
	ID:      "bench@example.com",
	From:    "test@example.com",
	Subject: "Test",
	Raw:     []byte("From: test@example.com\r\nTo: user@example.com\r\nSubject: Test\r\n\r\nThis message contains important content that should match the filter."),
}

func benchmarkAllows(b *testing.B, opts Options) {
	f, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Allows(benchMessage)
	}
}

func BenchmarkFilter_Allows_NoFilters(b *testing.B) {
	benchmarkAllows(b, Options{})
}

func BenchmarkFilter_Allows_Sender(b *testing.B) {
	benchmarkAllows(b, Options{IncludeSender: []string{`@example\.com$`}})
}

func BenchmarkFilter_Allows_Body(b *testing.B) {
	benchmarkAllows(b, Options{IncludeBody: []string{"important.*content"}})
}

func BenchmarkFilter_Allows_Mixed(b *testing.B) {
	benchmarkAllows(b, Options{
		IncludeSender:  []string{`@example\.com$`, `@example\.org$`},
		ExcludeSubject: []string{"(?i)spam"},
		ExcludeBody:    []string{"unsubscribe"},
	})
}

func BenchmarkSplitRawMessage(b *testing.B) {
	for i := 0; i < b.N; i++ {
		SplitRawMessage(benchMessage.Raw)
	}
}

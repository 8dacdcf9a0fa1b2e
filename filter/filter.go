// Package filter decides which received messages enter the verify stage.
package filter

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mailsig/model"
)

// Options captures the filtering configuration. Patterns are regular
// expressions; sender patterns match the lower-cased sender address.
type Options struct {
	IncludeSender  []string
	ExcludeSender  []string
	IncludeSubject []string
	ExcludeSubject []string
	IncludeBody    []string
	ExcludeBody    []string
}

// Filter holds compiled patterns. A message passes when it matches at least
// one include pattern (if any are set) and no exclude pattern.
type Filter struct {
	include rules
	exclude rules
}

type rules struct {
	sender  []*regexp.Regexp
	subject []*regexp.Regexp
	body    []*regexp.Regexp
}

func (r rules) empty() bool {
	return len(r.sender) == 0 && len(r.subject) == 0 && len(r.body) == 0
}

func (r rules) match(msg model.Message, body func() string) bool {
	if matchAny(r.sender, strings.ToLower(msg.From)) || matchAny(r.subject, msg.Subject) {
		return true
	}
	return len(r.body) > 0 && matchAny(r.body, body())
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	var (
		f   Filter
		err error
	)
	compile := []struct {
		name     string
		patterns []string
		out      *[]*regexp.Regexp
	}{
		{"include-sender", opts.IncludeSender, &f.include.sender},
		{"exclude-sender", opts.ExcludeSender, &f.exclude.sender},
		{"include-subject", opts.IncludeSubject, &f.include.subject},
		{"exclude-subject", opts.ExcludeSubject, &f.exclude.subject},
		{"include-body", opts.IncludeBody, &f.include.body},
		{"exclude-body", opts.ExcludeBody, &f.exclude.body},
	}
	for _, c := range compile {
		if *c.out, err = compilePatterns(c.patterns); err != nil {
			return nil, fmt.Errorf("compile %s pattern: %w", c.name, err)
		}
	}
	return &f, nil
}

// Allows returns true if msg passes the filter criteria. A nil filter allows
// everything.
func (f *Filter) Allows(msg model.Message) bool {
	if f == nil {
		return true
	}
	var (
		body   string
		loaded bool
	)
	bodyText := func() string {
		if !loaded {
			_, b := SplitRawMessage(msg.Raw)
			body, loaded = string(b), true
		}
		return body
	}

	if !f.include.empty() && !f.include.match(msg, bodyText) {
		return false
	}
	return !f.exclude.match(msg, bodyText)
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

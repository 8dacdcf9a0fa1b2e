package envelope

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/dhcgn/mailsig/mailerr"
	"github.com/dhcgn/mailsig/model"
)

// ContentType is the media type of the envelope attachment.
const ContentType = "application/vnd.mailsig.envelope+json"

const attachmentName = "envelope.json"

// ComposeOptions overrides generated header values.
type ComposeOptions struct {
	Date      time.Time
	MessageID string
}

// Compose builds an RFC 5322 message carrying sp as an attachment next to a
// short human-readable notice.
func Compose(out model.Outgoing, sp *SignedPayload) ([]byte, error) {
	return ComposeWith(out, sp, ComposeOptions{})
}

// ComposeWith is Compose with explicit header values.
func ComposeWith(out model.Outgoing, sp *SignedPayload, opts ComposeOptions) ([]byte, error) {
	encoded, err := Encode(sp)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.From) == "" {
		return nil, errors.New("compose: sender address is empty")
	}
	if len(out.To) == 0 {
		return nil, errors.New("compose: no recipients")
	}
	if opts.Date.IsZero() {
		opts.Date = time.Now()
	}
	if opts.MessageID == "" {
		opts.MessageID = uuid.NewString() + "@" + domainOf(out.From)
	}

	var h mail.Header
	h.SetDate(opts.Date)
	h.SetMessageID(opts.MessageID)
	h.SetAddressList("From", []*mail.Address{{Address: out.From}})
	to := make([]*mail.Address, 0, len(out.To))
	for _, addr := range out.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(out.Subject)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	var notice mail.InlineHeader
	notice.Set("Content-Type", "text/plain; charset=utf-8")
	notice.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mw.CreateSingleInline(notice)
	if err != nil {
		return nil, fmt.Errorf("compose notice: %w", err)
	}
	fmt.Fprintf(w, "This message carries a signed %s payload (%d bytes) from %s.\r\n", sp.ContentType, len(sp.Payload), out.From)
	fmt.Fprintf(w, "Signature: %s, key %s.\r\n", sp.SigAlg, sp.Key.ID)
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose notice: %w", err)
	}

	var attachment mail.AttachmentHeader
	attachment.Set("Content-Type", ContentType)
	attachment.Set("Content-Transfer-Encoding", "base64")
	attachment.SetFilename(attachmentName)
	w, err = mw.CreateAttachment(attachment)
	if err != nil {
		return nil, fmt.Errorf("compose attachment: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("compose attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compose attachment: %w", err)
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}

// Extract returns the envelope carried by raw. Messages without an envelope
// part are reported as mailerr.ErrEnvelopeMalformed.
func Extract(raw []byte) (*SignedPayload, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", mailerr.ErrEnvelopeMalformed, err)
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("%w: %v", mailerr.ErrEnvelopeMalformed, err)
		}

		var contentType string
		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			contentType, _, _ = h.ContentType()
		}
		if !strings.EqualFold(contentType, ContentType) {
			continue
		}

		body, err := io.ReadAll(part.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: read envelope part: %v", mailerr.ErrEnvelopeMalformed, err)
		}
		return Decode(body)
	}
	return nil, fmt.Errorf("%w: no %s part", mailerr.ErrEnvelopeMalformed, ContentType)
}

// TextBody returns the first text/plain part of raw, or the first text/html
// part when there is no plain text.
func TextBody(raw []byte) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	defer mr.Close()

	var html string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", err
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		switch contentType {
		case "text/plain":
			body, err := io.ReadAll(part.Body)
			return string(body), err
		case "text/html":
			if html == "" {
				body, err := io.ReadAll(part.Body)
				if err != nil {
					return "", err
				}
				html = string(body)
			}
		}
	}
	return html, nil
}

// SenderAddress returns the sender of raw following the Sender, From,
// Reply-To order.
func SenderAddress(raw []byte) (string, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return "", fmt.Errorf("read header: %w", err)
	}
	return model.SenderAddress(mail.Header{Header: message.Header{Header: th}}), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.Trim(addr[i+1:], "<> ")
	}
	return "mailsig.local"
}

package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const maxPartSize = 1 << 20

// ParseMessage reads an RFC 5322 message into an InboundEmail, keeping the first
// text/plain and text/html parts.
func ParseMessage(raw []byte) (InboundEmail, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return InboundEmail{}, fmt.Errorf("read message: %w", err)
	}
	defer mr.Close()

	out := InboundEmail{}
	h := mr.Header
	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	}
	if id, err := h.MessageID(); err == nil {
		out.MessageID = id
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		out.InReplyTo = ids[0]
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, addr := range to {
			out.To = append(out.To, addr.Address)
		}
	}
	if date, err := h.Date(); err == nil {
		out.ReceivedAt = date
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if out.BodyText != "" || out.BodyHTML != "" {
				break
			}
			return out, fmt.Errorf("read part: %w", err)
		}
		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartSize))
		if err != nil {
			continue
		}
		switch strings.ToLower(contentType) {
		case "text/plain":
			if out.BodyText == "" {
				out.BodyText = string(body)
			}
		case "text/html":
			if out.BodyHTML == "" {
				out.BodyHTML = string(body)
			}
		}
	}
	return out, nil
}

package sync

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Defaults applied when the provider omits a field.
const (
	defaultSubject = "(No subject)"
	defaultAuthor  = "unknown"
)

// NormalizedMessage is a provider-agnostic projection of one message,
// ready for the reconciler.
type NormalizedMessage struct {
	MessageID      string
	ConversationID string
	Author         string
	Recipients     string
	Subject        string
	BodyText       string
	BodyHTML       string
	ReceivedAt     time.Time
}

// Tombstone records that the provider deleted a message.
type Tombstone struct {
	MessageID string
}

// Change is the normalizer's output: exactly one of Upsert or Delete is set.
type Change struct {
	Upsert *NormalizedMessage
	Delete *Tombstone
}

// Normalize converts a raw delta record into a Change. It is pure: no IO,
// no shared state. Records without a stable id, or with a timestamp we
// cannot parse, come back as malformed errors; the caller drops them and
// keeps going.
func Normalize(raw RawChange) (*Change, error) {
	const op = "normalize"

	if raw.ID == "" {
		return nil, newError(KindMalformedRecord, op, errors.New("record has no id"))
	}

	if raw.Removed != nil {
		return &Change{Delete: &Tombstone{MessageID: raw.ID}}, nil
	}

	receivedAt, err := time.Parse(time.RFC3339, raw.ReceivedDateTime)
	if err != nil {
		return nil, newError(KindMalformedRecord, op,
			fmt.Errorf("unparseable receivedDateTime %q: %w", raw.ReceivedDateTime, err))
	}

	msg := &NormalizedMessage{
		MessageID:      raw.ID,
		ConversationID: raw.ConversationID,
		Author:         defaultAuthor,
		Subject:        defaultSubject,
		ReceivedAt:     receivedAt.UTC(),
	}

	if raw.Subject != nil && *raw.Subject != "" {
		msg.Subject = *raw.Subject
	}
	if raw.From != nil && raw.From.EmailAddress.Address != "" {
		msg.Author = raw.From.EmailAddress.Address
	}

	var recipients []string
	for _, r := range raw.ToRecipients {
		if r.EmailAddress.Address != "" {
			recipients = append(recipients, r.EmailAddress.Address)
		}
	}
	msg.Recipients = strings.Join(recipients, ", ")

	msg.BodyText = raw.BodyPreview
	if raw.Body != nil && raw.Body.Content != "" {
		if strings.EqualFold(raw.Body.ContentType, "html") {
			msg.BodyHTML = raw.Body.Content
			if text, err := htmlToText(raw.Body.Content); err == nil && text != "" {
				msg.BodyText = text
			}
		} else {
			msg.BodyText = raw.Body.Content
		}
	}

	return &Change{Upsert: msg}, nil
}

var (
	multiSpaceRe   = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
	invisibleRe    = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}]+`)
)

// blockSelector lists elements that imply a line break when HTML is
// flattened to text.
const blockSelector = "p, div, br, li, tr, h1, h2, h3, h4, h5, h6, blockquote"

// htmlToText strips markup from an HTML body and keeps a readable plain
// text rendering with line breaks at block boundaries.
func htmlToText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link, title").Remove()
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := doc.Text()
	text = invisibleRe.ReplaceAllString(text, "")
	text = multiSpaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = multiNewlineRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), nil
}

// Package mime parses raw MIME messages into the body and metadata the
// sync core stores locally.
package mime

import (
	"bytes"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// PartKind tags a node in the MIME part tree.
type PartKind int

const (
	// Leaf is a content-bearing part (text, html, attachment data).
	Leaf PartKind = iota
	// Branch is a multipart container whose children carry the content.
	Branch
)

// Part is one node of the explicit MIME part tree. Body selection walks
// this tree rather than probing envelope fields ad hoc.
type Part struct {
	Kind        PartKind
	MIMEType    string
	Disposition string
	Filename    string
	Content     []byte
	Children    []*Part
}

// Message represents a parsed email message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	MessageID   string
	InReplyTo   string
	BodyText    string
	BodyHTML    string
	Attachments []AttachmentInfo
	Errors      []string // non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string
	Email string
}

// AttachmentInfo records attachment metadata. Content download, preview
// generation and scanning belong to a separate subsystem; the sync core
// only keeps what the message list needs to render.
type AttachmentInfo struct {
	Filename    string
	ContentType string
	Size        int
	IsInline    bool
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   EnsureUTF8(env.GetHeader("Subject")),
		MessageID: env.GetHeader("Message-ID"),
		InReplyTo: env.GetHeader("In-Reply-To"),
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			msg.Date = t
		}
	}

	msg.From = parseAddressList(env, "From")
	msg.To = parseAddressList(env, "To")
	msg.Cc = parseAddressList(env, "Cc")

	tree := buildTree(env.Root)
	text, html := extractBodies(tree)
	msg.BodyText = EnsureUTF8(text)
	msg.BodyHTML = EnsureUTF8(html)

	for _, att := range env.Attachments {
		msg.Attachments = append(msg.Attachments, AttachmentInfo{
			Filename:    att.FileName,
			ContentType: att.ContentType,
			Size:        len(att.Content),
		})
	}
	for _, inl := range env.Inlines {
		if inl.FileName == "" {
			continue // body content, not an attachment
		}
		msg.Attachments = append(msg.Attachments, AttachmentInfo{
			Filename:    inl.FileName,
			ContentType: inl.ContentType,
			Size:        len(inl.Content),
			IsInline:    true,
		})
	}

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// buildTree converts an enmime part into the tagged Part tree.
func buildTree(p *enmime.Part) *Part {
	if p == nil {
		return nil
	}

	node := &Part{
		MIMEType:    strings.ToLower(p.ContentType),
		Disposition: p.Disposition,
		Filename:    p.FileName,
	}

	if p.FirstChild != nil {
		node.Kind = Branch
		for child := p.FirstChild; child != nil; child = child.NextSibling {
			node.Children = append(node.Children, buildTree(child))
		}
	} else {
		node.Kind = Leaf
		node.Content = p.Content
	}

	return node
}

// extractBodies walks the part tree and returns the first text/plain and
// text/html bodies. A Leaf contributes content when it is a displayable
// text part; a Branch contributes whatever its children yield, first
// match wins.
func extractBodies(node *Part) (text, html string) {
	if node == nil {
		return "", ""
	}

	if node.Kind == Leaf {
		if node.Disposition == "attachment" || node.Filename != "" {
			return "", ""
		}
		switch {
		case strings.HasPrefix(node.MIMEType, "text/plain"):
			return string(node.Content), ""
		case strings.HasPrefix(node.MIMEType, "text/html"):
			return "", string(node.Content)
		}
		return "", ""
	}

	for _, child := range node.Children {
		t, h := extractBodies(child)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
		if text != "" && html != "" {
			break
		}
	}
	return text, html
}

// parseAddressList parses an address header using enmime's AddressList.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:  EnsureUTF8(addr.Name),
			Email: strings.ToLower(addr.Address),
		})
	}
	return addresses
}

// dateFormats are tried in order when RFC 1123 parsing fails.
var dateFormats = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
}

// parseDate parses a Date header, returning UTC.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)

	var lastErr error
	for _, format := range dateFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

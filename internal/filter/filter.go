package filter

import (
	"html"
	"regexp"

	"github.com/pvieira/palaver/internal/chat"
)

// Context carries per-conversation information filters may consult.
type Context struct {
	AccountID string
	TargetID  string
	Group     bool
}

// Filter is a synchronous, side-effect-free presentation transform applied
// to every message before ledger insertion.
type Filter interface {
	Process(m *chat.Message, ctx Context)
}

// Chain applies an ordered list of filters.
type Chain struct {
	filters []Filter
}

// NewChain creates a chain. A nil/empty chain is valid and passes messages
// through untouched.
func NewChain(filters ...Filter) *Chain {
	return &Chain{filters: filters}
}

// Default returns the chain used by the daemon: body escaping followed by
// link detection.
func Default() *Chain {
	return NewChain(EscapeFilter{}, LinkFilter{})
}

// Process converts a raw transport message into an immutable chat.Message
// and runs every filter over it.
func (c *Chain) Process(raw chat.Received, ctx Context) chat.Message {
	dir := chat.RemoteToLocal
	if raw.FromSelf {
		dir = chat.LocalToRemote
	}
	m := chat.Message{
		Token:        raw.Token,
		Timestamp:    raw.Timestamp,
		Direction:    dir,
		SenderID:     raw.SenderID,
		SenderAlias:  raw.SenderAlias,
		SenderAvatar: raw.SenderAvatar,
		Kind:         raw.Kind,
		Body:         raw.Body,
	}
	if c != nil {
		for _, f := range c.filters {
			f.Process(&m, ctx)
		}
	}
	return m
}

// EscapeFilter HTML-escapes the message body.
type EscapeFilter struct{}

func (EscapeFilter) Process(m *chat.Message, _ Context) {
	m.Body = html.EscapeString(m.Body)
}

var linkPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// LinkFilter appends one fragment per URL found in the body, so the hosting
// UI can render link previews without re-parsing.
type LinkFilter struct{}

func (LinkFilter) Process(m *chat.Message, _ Context) {
	for _, link := range linkPattern.FindAllString(m.Body, -1) {
		m.Fragments = append(m.Fragments, link)
	}
}

package filter

import (
	"testing"
	"time"

	"github.com/pvieira/palaver/internal/chat"
)

func TestProcessBuildsMessageFromReceived(t *testing.T) {
	ts := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	raw := chat.Received{
		Token:       "T1",
		Timestamp:   ts,
		SenderID:    "alice@s.whatsapp.net",
		SenderAlias: "Alice",
		Kind:        chat.KindIncoming,
		Body:        "hello",
	}

	m := NewChain().Process(raw, Context{})

	if m.Token != "T1" || !m.Timestamp.Equal(ts) || m.Body != "hello" {
		t.Fatalf("message = %+v, want raw fields carried over", m)
	}
	if m.Direction != chat.RemoteToLocal {
		t.Errorf("direction = %v, want remote-to-local", m.Direction)
	}
	if m.SenderAlias != "Alice" {
		t.Errorf("alias = %q", m.SenderAlias)
	}
}

func TestProcessFromSelfIsOutgoing(t *testing.T) {
	m := NewChain().Process(chat.Received{FromSelf: true}, Context{})
	if m.Direction != chat.LocalToRemote {
		t.Fatalf("direction = %v, want local-to-remote for own messages", m.Direction)
	}
}

func TestNilChainPassesThrough(t *testing.T) {
	var c *Chain
	m := c.Process(chat.Received{Body: "<b>raw</b>"}, Context{})
	if m.Body != "<b>raw</b>" {
		t.Fatalf("body = %q, nil chain must not transform", m.Body)
	}
}

func TestEscapeFilter(t *testing.T) {
	m := chat.Message{Body: `<script>alert("x") & more`}
	EscapeFilter{}.Process(&m, Context{})
	want := "&lt;script&gt;alert(&#34;x&#34;) &amp; more"
	if m.Body != want {
		t.Fatalf("body = %q, want %q", m.Body, want)
	}
}

func TestLinkFilterExtractsFragments(t *testing.T) {
	m := chat.Message{Body: "see https://example.com/a and http://foo.bar/b?x=1 ok"}
	LinkFilter{}.Process(&m, Context{})
	if len(m.Fragments) != 2 ||
		m.Fragments[0] != "https://example.com/a" ||
		m.Fragments[1] != "http://foo.bar/b?x=1" {
		t.Fatalf("fragments = %v", m.Fragments)
	}
}

func TestLinkFilterNoLinks(t *testing.T) {
	m := chat.Message{Body: "plain text, nothing clickable"}
	LinkFilter{}.Process(&m, Context{})
	if m.Fragments != nil {
		t.Fatalf("fragments = %v, want none", m.Fragments)
	}
}

// The default chain escapes first, so links survive escaping intact and the
// fragments hold the unescaped URL text.
func TestDefaultChainOrdering(t *testing.T) {
	m := Default().Process(chat.Received{Body: `check https://example.com/x <now>`}, Context{})
	if m.Body != "check https://example.com/x &lt;now&gt;" {
		t.Fatalf("body = %q", m.Body)
	}
	if len(m.Fragments) != 1 || m.Fragments[0] != "https://example.com/x" {
		t.Fatalf("fragments = %v, want the URL detected after escaping", m.Fragments)
	}
}

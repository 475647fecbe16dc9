package telegram

import (
	"strings"
	"testing"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		name string
		args []string
		ok   bool
	}{
		{"/join", "join", nil, true},
		{"/ban 42", "ban", []string{"42"}, true},
		{"/mute @alice 2h", "mute", []string{"@alice", "2h"}, true},
		{"/Help", "help", nil, true},
		{"/status@relaybot", "status", nil, true},
		{"/status@otherbot", "", nil, false},
		{"plain text", "", nil, false},
		{"/", "", nil, false},
		{"/@relaybot", "", nil, false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.text, "relaybot")
		if ok != tc.ok || name != tc.name || len(args) != len(tc.args) {
			t.Errorf("parseCommand(%q) = (%q, %v, %v), want (%q, %v, %v)",
				tc.text, name, args, ok, tc.name, tc.args, tc.ok)
			continue
		}
		for i := range args {
			if args[i] != tc.args[i] {
				t.Errorf("parseCommand(%q) arg %d = %q, want %q", tc.text, i, args[i], tc.args[i])
			}
		}
	}
}

func TestSplitTextShort(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 10)
	chunks := splitText(text, 40, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 40 {
			t.Fatalf("chunk %d over limit: %d runes", i, len([]rune(c)))
		}
		if !strings.HasSuffix(c, "one") {
			t.Fatalf("chunk %d does not end on a line boundary: %q", i, c)
		}
	}
}

func TestSplitTextAvoidsDanglingHTMLTag(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 33) + "<b>bold tail that will not fit in the window"
	chunks := splitText(text, 35, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("expected a split, got %v", chunks)
	}
	if strings.Count(chunks[0], "<") != strings.Count(chunks[0], ">") {
		t.Fatalf("first chunk ends inside a tag: %q", chunks[0])
	}
}

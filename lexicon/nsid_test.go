package lexicon

import "testing"

func TestParseNSID(t *testing.T) {
	valid := []string{
		"com.example.fooBar",
		"app.bsky.feed.getTimeline",
		"io.example-host.sub.ping",
		"a.b.c",
	}
	for _, s := range valid {
		id, err := ParseNSID(s)
		if err != nil {
			t.Errorf("ParseNSID(%q): unexpected error %v", s, err)
			continue
		}
		if id.String() != s {
			t.Errorf("String(): want %q, got %q", s, id.String())
		}
	}

	invalid := []string{
		"",
		"com.example",
		"com..example.foo",
		"com.-example.foo",
		"com.example-.foo",
		"1com.example.foo",
		"com.example.1foo",
		"com.example.foo-bar",
		"com.example.foo.",
	}
	for _, s := range invalid {
		if _, err := ParseNSID(s); err == nil {
			t.Errorf("ParseNSID(%q): expected error", s)
		}
	}
}

func TestNSIDParts(t *testing.T) {
	id := MustParseNSID("app.bsky.feed.getTimeline")
	if got := id.Authority(); got != "app.bsky.feed" {
		t.Errorf("Authority: got %q", got)
	}
	if got := id.Name(); got != "getTimeline" {
		t.Errorf("Name: got %q", got)
	}

	var back NSID
	text, _ := id.MarshalText()
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != id {
		t.Fatalf("round trip: want %v, got %v", id, back)
	}
}

package tgrelay

import (
	"context"
	"reflect"
	"strings"
	"testing"
)

func TestChannelPairAllows(t *testing.T) {
	open := ChannelPair{}
	for _, k := range AllMediaKinds() {
		if !open.Allows(k) {
			t.Errorf("nil gate rejected %q", k)
		}
	}
	gated := ChannelPair{MediaTypes: []MediaKind{MediaPhoto, MediaVideo}}
	if !gated.Allows(MediaPhoto) || gated.Allows(MediaDocument) {
		t.Error("gate mismatch")
	}
}

func TestChannelPairNormalizeDedup(t *testing.T) {
	p := ChannelPair{
		Source:  "src",
		Targets: []string{"@alpha", "t.me/alpha", "beta", "https://t.me/beta/", "-100123", "-100123"},
	}
	got := p.Normalize().Targets
	want := []string{"@alpha", "beta", "-100123"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize().Targets = %v, want %v", got, want)
	}
}

func TestChannelPairValidate(t *testing.T) {
	valid := ChannelPair{Source: "src", Targets: []string{"dst"}}
	tests := []struct {
		name    string
		mutate  func(*ChannelPair)
		wantErr string
	}{
		{"valid", func(*ChannelPair) {}, ""},
		{"empty source", func(p *ChannelPair) { p.Source = "" }, "empty source"},
		{"no targets", func(p *ChannelPair) { p.Targets = nil }, "no targets"},
		{"source is target", func(p *ChannelPair) { p.Targets = []string{"t.me/src"} }, "source is also a target"},
		{"negative bound", func(p *ChannelPair) { p.StartID = -1 }, "negative message id bound"},
		{"inverted range", func(p *ChannelPair) { p.StartID = 10; p.EndID = 5 }, "start_id 10 > end_id 5"},
		{"unknown media kind", func(p *ChannelPair) { p.MediaTypes = []MediaKind{"hologram"} }, "unknown media type"},
	}
	for _, tt := range tests {
		p := valid
		p.Targets = append([]string(nil), valid.Targets...)
		tt.mutate(&p)
		err := p.Validate()
		if tt.wantErr == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.wantErr)
		}
	}
}

func TestResolvePair(t *testing.T) {
	client := newStubClient()
	client.chats["src"] = 100
	client.chats["a"] = 200
	client.chats["b"] = 300
	client.chats["alias"] = 200
	r := NewResolver(client)

	rp, err := resolvePair(context.Background(), r, ChannelPair{
		Source:  "src",
		Targets: []string{"a", "b", "alias"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rp.source != 100 {
		t.Errorf("source = %d", rp.source)
	}
	// alias resolves to the same id as a and is dropped.
	if !reflect.DeepEqual(rp.targets, []ChannelID{200, 300}) {
		t.Errorf("targets = %v, want [200 300]", rp.targets)
	}
}

func TestResolvePairSourceEqualsTarget(t *testing.T) {
	client := newStubClient()
	client.chats["src"] = 100
	client.chats["mirror"] = 100
	r := NewResolver(client)

	_, err := resolvePair(context.Background(), r, ChannelPair{
		Source:  "src",
		Targets: []string{"mirror"},
	})
	if err == nil || !strings.Contains(err.Error(), "resolves to target") {
		t.Errorf("err = %v, want the post-resolution identity check to fire", err)
	}
}

func TestPairControllerSetRejectsWholeUpdate(t *testing.T) {
	c := NewPairController()
	good := ChannelPair{Source: "a", Targets: []string{"b"}}
	if err := c.Set([]ChannelPair{good}); err != nil {
		t.Fatal(err)
	}

	bad := ChannelPair{Source: "", Targets: []string{"b"}}
	if err := c.Set([]ChannelPair{good, bad}); err == nil {
		t.Fatal("invalid pair accepted")
	}
	// The previous set survives a rejected update.
	if got := c.Pairs(); len(got) != 1 || got[0].Source != "a" {
		t.Errorf("Pairs() = %+v, want the old set intact", got)
	}
}

func TestPairControllerDiffEvents(t *testing.T) {
	var log eventLog
	c := NewPairController(PairControllerHook(log.hook()))

	a := ChannelPair{Source: "a", Targets: []string{"x"}}
	b := ChannelPair{Source: "b", Targets: []string{"x"}}
	if err := c.Set([]ChannelPair{a, b}); err != nil {
		t.Fatal(err)
	}
	if got := log.count(EventPairAdded); got != 2 {
		t.Errorf("pair_added = %d, want 2", got)
	}

	a.Keywords = []string{"kw"}
	if err := c.Set([]ChannelPair{a}); err != nil {
		t.Fatal(err)
	}
	if got := log.count(EventPairModified); got != 1 {
		t.Errorf("pair_modified = %d, want 1", got)
	}
	if got := log.count(EventPairRemoved); got != 1 {
		t.Errorf("pair_removed = %d, want 1", got)
	}
}

func TestPairControllerOnChange(t *testing.T) {
	c := NewPairController()
	var seen [][]ChannelPair
	c.OnChange(func(ps []ChannelPair) { seen = append(seen, ps) })

	p := ChannelPair{Source: "a", Targets: []string{"b"}, Keywords: []string{"k"}}
	if err := c.Set([]ChannelPair{p}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || len(seen[0]) != 1 {
		t.Fatalf("listener saw %v", seen)
	}
	// The snapshot is isolated from controller state.
	seen[0][0].Keywords[0] = "mutated"
	if got := c.Pairs()[0].Keywords[0]; got != "k" {
		t.Errorf("controller state leaked: %q", got)
	}
}

func TestPairKey(t *testing.T) {
	p := ChannelPair{Source: "src", Targets: []string{"a", "b"}}
	if got := p.Key(); got != "src->a,b" {
		t.Errorf("Key() = %q", got)
	}
}

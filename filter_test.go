package tgrelay

import (
	"reflect"
	"testing"
)

func TestContainsLink(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want bool
	}{
		{"plain text", Message{Text: "hello world"}, false},
		{"http url", Message{Text: "see https://example.com/x"}, true},
		{"www url", Message{Text: "visit www.example.com today"}, true},
		{"tme link", Message{Text: "join t.me/somechannel"}, true},
		{"caption url", Message{Caption: "http://spam.example"}, true},
		{"url entity", Message{Text: "example.com", Entities: []Entity{{Kind: EntityURL, Length: 11}}}, true},
		{"hidden text_link", Message{Text: "click here", Entities: []Entity{{Kind: EntityTextLink, Length: 10, URL: "https://spam.example"}}}, true},
		{"email entity", Message{Text: "a@b.com", Entities: []Entity{{Kind: EntityEmail, Length: 7}}}, true},
		{"bold entity only", Message{Text: "hello", Entities: []Entity{{Kind: EntityBold, Length: 5}}}, false},
	}
	for _, tt := range tests {
		if got := ContainsLink(tt.msg); got != tt.want {
			t.Errorf("%s: ContainsLink() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestFilterMessagesLinkExclusion(t *testing.T) {
	msgs := []Message{
		textMsg(1, 1, "clean message"),
		textMsg(1, 2, "spam https://example.com"),
	}
	pair := ChannelPair{Source: "s", Targets: []string{"t"}, ExcludeLinks: true}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 1 || res.Groups[0].Messages[0].ID != 1 {
		t.Fatalf("expected only message 1 to survive, got %+v", res.Groups)
	}
	if res.Stats.DroppedLink != 1 {
		t.Errorf("DroppedLink = %d, want 1", res.Stats.DroppedLink)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].Reason != FilterReasonLink {
		t.Errorf("Dropped = %+v, want one link drop", res.Dropped)
	}

	// With the switch off both messages pass.
	pair.ExcludeLinks = false
	res = FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 2 {
		t.Errorf("without exclusion got %d groups, want 2", len(res.Groups))
	}
}

func TestFilterMessagesLinkBeforeKeyword(t *testing.T) {
	// A message matching the keyword but carrying a link is a link drop,
	// never a keyword keep.
	msgs := []Message{textMsg(1, 1, "wanted https://example.com")}
	pair := ChannelPair{ExcludeLinks: true, Keywords: []string{"wanted"}}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 0 {
		t.Fatalf("expected no survivors, got %+v", res.Groups)
	}
	if res.Stats.DroppedLink != 1 || res.Stats.DroppedKeyword != 0 {
		t.Errorf("stats = %+v, want the drop attributed to the link stage", res.Stats)
	}
}

func TestFilterMessagesKeywordGroupAware(t *testing.T) {
	msgs := []Message{
		mediaMsg(1, 1, MediaPhoto, "g1", ""),
		mediaMsg(1, 2, MediaPhoto, "g1", "the magic word"),
		mediaMsg(1, 3, MediaPhoto, "g1", ""),
		mediaMsg(1, 10, MediaPhoto, "g2", "nothing relevant"),
		mediaMsg(1, 11, MediaPhoto, "g2", ""),
	}
	pair := ChannelPair{Keywords: []string{"magic"}}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 1 || res.Groups[0].ID != "g1" {
		t.Fatalf("expected only g1 to survive, got %+v", res.Groups)
	}
	if len(res.Groups[0].Messages) != 3 {
		t.Errorf("g1 kept %d members, want all 3", len(res.Groups[0].Messages))
	}
	// The dropped group is reported once, with its group id.
	keywordDrops := 0
	for _, d := range res.Dropped {
		if d.Reason == FilterReasonKeyword {
			keywordDrops++
			if d.GroupID != "g2" {
				t.Errorf("keyword drop GroupID = %q, want g2", d.GroupID)
			}
		}
	}
	if keywordDrops != 1 {
		t.Errorf("keyword drops reported %d times, want once per group", keywordDrops)
	}
	if res.Stats.DroppedKeyword != 2 {
		t.Errorf("DroppedKeyword = %d, want 2 (both members counted)", res.Stats.DroppedKeyword)
	}
}

func TestFilterMessagesKeywordFold(t *testing.T) {
	// Full-width input matches an ASCII keyword after NFKC folding.
	msgs := []Message{textMsg(1, 1, "ＭＡＧＩＣ happens")}
	res := FilterMessages(msgs, ChannelPair{Keywords: []string{"magic"}}, nil)
	if len(res.Groups) != 1 {
		t.Fatalf("full-width keyword did not match: %+v", res.Stats)
	}
}

func TestFilterMessagesMediaTypeGate(t *testing.T) {
	msgs := []Message{
		mediaMsg(1, 1, MediaPhoto, "g1", "album"),
		mediaMsg(1, 2, MediaVideo, "g1", ""),
		mediaMsg(1, 3, MediaVideo, "", ""),
	}
	pair := ChannelPair{MediaTypes: []MediaKind{MediaPhoto}}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 1 {
		t.Fatalf("groups = %+v, want only the partial g1", res.Groups)
	}
	g := res.Groups[0]
	if g.ID != "g1" || len(g.Messages) != 1 || g.Messages[0].ID != 1 {
		t.Fatalf("g1 = %+v, want only the photo member", g)
	}
	if !g.HasFiltering() {
		t.Error("partial group must report HasFiltering")
	}
	if g.OriginalSize != 2 {
		t.Errorf("OriginalSize = %d, want 2", g.OriginalSize)
	}
	if res.Stats.DroppedMediaType != 2 {
		t.Errorf("DroppedMediaType = %d, want 2", res.Stats.DroppedMediaType)
	}
}

func TestFilterMessagesCaptionFallback(t *testing.T) {
	// The caption carrier is filtered away; the group keeps its text via
	// the pre-extracted group texts.
	msgs := []Message{
		mediaMsg(1, 1, MediaVideo, "g1", "the album caption"),
		mediaMsg(1, 2, MediaPhoto, "g1", ""),
	}
	pair := ChannelPair{MediaTypes: []MediaKind{MediaPhoto}}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 1 {
		t.Fatalf("groups = %+v", res.Groups)
	}
	if got := res.Groups[0].Caption; got != "the album caption" {
		t.Errorf("Caption = %q, want the fallback group text", got)
	}
}

func TestFilterMessagesSeedWins(t *testing.T) {
	// A seed extracted from a wider range overrides in-batch extraction.
	msgs := []Message{mediaMsg(1, 2, MediaPhoto, "g1", "")}
	seed := map[string]string{"g1": "caption from the full range"}

	res := FilterMessages(msgs, ChannelPair{}, seed)
	if len(res.Groups) != 1 || res.Groups[0].Caption != "caption from the full range" {
		t.Fatalf("groups = %+v, want the seeded caption", res.Groups)
	}
}

func TestFilterMessagesRemoveCaptions(t *testing.T) {
	msgs := []Message{
		mediaMsg(1, 1, MediaPhoto, "", "buy now"),
		mediaMsg(1, 2, MediaPhoto, "", ""),
	}
	res := FilterMessages(msgs, ChannelPair{RemoveCaptions: true}, nil)
	if len(res.Groups) != 2 {
		t.Fatalf("groups = %+v", res.Groups)
	}
	if res.Groups[0].Caption != "" || !res.Groups[0].Modified {
		t.Errorf("captioned message: Caption=%q Modified=%v, want cleared and modified", res.Groups[0].Caption, res.Groups[0].Modified)
	}
	if res.Groups[1].Modified {
		t.Error("caption-less message must not be marked modified")
	}
}

func TestFilterMessagesReplacements(t *testing.T) {
	msgs := []Message{textMsg(1, 1, "join OldBrand today")}
	pair := ChannelPair{Replacements: []Replacement{{Find: "OldBrand", Replace: "NewBrand"}}}

	res := FilterMessages(msgs, pair, nil)
	if len(res.Groups) != 1 {
		t.Fatal("message dropped unexpectedly")
	}
	g := res.Groups[0]
	if g.Caption != "join NewBrand today" || !g.Modified {
		t.Errorf("Caption=%q Modified=%v", g.Caption, g.Modified)
	}
	if len(res.Replaced) != 1 || res.Replaced[0].Original != "join OldBrand today" {
		t.Errorf("Replaced = %+v", res.Replaced)
	}
}

func TestApplyReplacementsOrder(t *testing.T) {
	reps := []Replacement{
		{Find: "ab", Replace: "x"},
		{Find: "xc", Replace: "y"},
		{Find: "", Replace: "ignored"},
	}
	if got := applyReplacements("abc", reps); got != "y" {
		t.Errorf("applyReplacements = %q, want %q (left-to-right order)", got, "y")
	}
}

func TestFilterMessagesIdempotent(t *testing.T) {
	msgs := []Message{
		textMsg(1, 1, "keep alpha"),
		textMsg(1, 2, "drop https://example.com"),
		mediaMsg(1, 3, MediaPhoto, "g1", "alpha album"),
		mediaMsg(1, 4, MediaPhoto, "g1", ""),
	}
	pair := ChannelPair{
		ExcludeLinks: true,
		Keywords:     []string{"alpha"},
		Replacements: []Replacement{{Find: "alpha", Replace: "beta"}},
	}

	first := FilterMessages(msgs, pair, nil)
	var survivors []Message
	for _, g := range first.Groups {
		survivors = append(survivors, g.Messages...)
	}
	// Second pass over the survivors: the keyword gate would reject the
	// replaced text, so seed nothing and compare kept ids only. The message
	// set must be stable.
	second := FilterMessages(survivors, ChannelPair{ExcludeLinks: true}, nil)
	var firstIDs, secondIDs []int
	for _, g := range first.Groups {
		firstIDs = append(firstIDs, g.IDs()...)
	}
	for _, g := range second.Groups {
		secondIDs = append(secondIDs, g.IDs()...)
	}
	if !reflect.DeepEqual(firstIDs, secondIDs) {
		t.Errorf("second pass kept %v, want %v", secondIDs, firstIDs)
	}
}

func TestFilterMessagesStats(t *testing.T) {
	msgs := []Message{
		textMsg(1, 1, "keep"),
		textMsg(1, 2, "link www.example.com"),
		mediaMsg(1, 3, MediaVideo, "", ""),
	}
	pair := ChannelPair{ExcludeLinks: true, MediaTypes: []MediaKind{MediaText, MediaPhoto}}

	res := FilterMessages(msgs, pair, nil)
	want := FilterStats{Examined: 3, Kept: 1, DroppedLink: 1, DroppedMediaType: 1}
	if res.Stats != want {
		t.Errorf("Stats = %+v, want %+v", res.Stats, want)
	}
}

func TestExtractGroupTexts(t *testing.T) {
	msgs := []Message{
		mediaMsg(1, 3, MediaPhoto, "g1", "later"),
		mediaMsg(1, 2, MediaPhoto, "g1", "first"),
		mediaMsg(1, 5, MediaPhoto, "g2", ""),
		textMsg(1, 6, "singleton"),
	}
	texts := ExtractGroupTexts(msgs)
	if texts["g1"] != "first" {
		t.Errorf("g1 = %q, want the first non-empty text in id order", texts["g1"])
	}
	if _, ok := texts["g2"]; ok {
		t.Error("g2 has no text and must be absent")
	}
	if len(texts) != 1 {
		t.Errorf("texts = %v, want only g1", texts)
	}
}

func TestSplitGroupsOrdering(t *testing.T) {
	msgs := []Message{
		textMsg(1, 1, "a"),
		mediaMsg(1, 2, MediaPhoto, "g1", ""),
		textMsg(1, 3, "b"),
		mediaMsg(1, 4, MediaPhoto, "g1", ""),
	}
	groups := splitGroups(msgs)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if groups[1].ID != "g1" || len(groups[1].Messages) != 2 {
		t.Errorf("g1 = %+v, want both members merged at first position", groups[1])
	}
}

func TestFilteredGroupHelpers(t *testing.T) {
	g := FilteredGroup{ID: "g1", Messages: []Message{{ID: 7}, {ID: 9}}, OriginalSize: 3}
	if !g.HasFiltering() {
		t.Error("HasFiltering() = false, want true")
	}
	if got := g.IDs(); !reflect.DeepEqual(got, []int{7, 9}) {
		t.Errorf("IDs() = %v", got)
	}
	if g.scope() != "group:g1" {
		t.Errorf("scope() = %q", g.scope())
	}
	single := FilteredGroup{Messages: []Message{{ID: 4}}, OriginalSize: 1}
	if single.HasFiltering() {
		t.Error("intact singleton must not report filtering")
	}
	if single.scope() != "message:4" {
		t.Errorf("scope() = %q", single.scope())
	}
}

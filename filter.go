package tgrelay

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// FilterReason says why the filter dropped a message or group.
type FilterReason string

const (
	FilterReasonLink      FilterReason = "link"
	FilterReasonKeyword   FilterReason = "keyword"
	FilterReasonMediaType FilterReason = "media_type"
	FilterReasonDisabled  FilterReason = "disabled"
)

// DroppedMessage pairs a dropped message with its reason. Keyword drops are
// reported once per group (GroupID set, Message is the group's first
// member), all other drops per message.
type DroppedMessage struct {
	Message Message
	Reason  FilterReason
	GroupID string
}

// FilteredGroup is one surviving group (singletons are groups of one) with
// its computed outbound text. The first message, in ascending id order, is
// the caption carrier. A group returned by the filter is never empty.
type FilteredGroup struct {
	// ID is the media group id, empty for singletons.
	ID       string
	Messages []Message

	// OriginalSize is the group's size in the filter input, before any
	// stage dropped members.
	OriginalSize int

	// Caption is the text to attach on the carrier when republishing.
	Caption string

	// Modified is true when the outbound text differs from the original:
	// a caption was removed, or a replacement changed it.
	Modified bool
}

// HasFiltering reports whether the filter removed members from the group.
// Partial groups cannot be forwarded or copied as-is and must be
// reassembled.
func (g FilteredGroup) HasFiltering() bool {
	return len(g.Messages) != g.OriginalSize
}

// IDs returns the kept message ids, ascending.
func (g FilteredGroup) IDs() []int {
	ids := make([]int, len(g.Messages))
	for i, m := range g.Messages {
		ids[i] = m.ID
	}
	return ids
}

// AppliedReplacement records one text replacement that changed output.
type AppliedReplacement struct {
	Scope    string
	Original string
	Replaced string
}

// FilterStats are aggregate counts for one filter run.
type FilterStats struct {
	Examined         int
	Kept             int
	DroppedLink      int
	DroppedKeyword   int
	DroppedMediaType int
}

// FilterResult is the complete outcome of one filter run.
type FilterResult struct {
	// Groups are the surviving groups in ascending order of their first
	// message id.
	Groups []FilteredGroup
	// Dropped lists every drop with its reason (keyword drops once per
	// group).
	Dropped []DroppedMessage
	// GroupTexts maps media group id to the first non-empty text seen in
	// the group before any dropping, so restricted reassembly keeps the
	// caption even when its carrier is filtered away.
	GroupTexts map[string]string
	// Replaced lists text replacements that changed output.
	Replaced []AppliedReplacement
	Stats    FilterStats
}

// linkPattern catches plain-text links the entity scan cannot see.
var linkPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|t\.me/\S+|telegram\.me/\S+)`)

// ContainsLink reports whether the message carries a link: any link-class
// entity (which also catches hidden "click here" hyperlinks), or a URL
// pattern in its text or caption. Entity detection takes precedence.
func ContainsLink(m Message) bool {
	for _, e := range m.Entities {
		switch e.Kind {
		case EntityURL, EntityTextLink, EntityEmail, EntityPhone:
			return true
		}
	}
	return linkPattern.MatchString(m.Text) || linkPattern.MatchString(m.Caption)
}

// foldText normalizes text for case-insensitive matching: NFKC fold plus
// lowercasing, so full-width and composed forms compare equal.
func foldText(s string) string {
	return strings.ToLower(norm.NFKC.String(s))
}

// ExtractGroupTexts records the first non-empty caption/text per media
// group. The batch forwarder calls it over the complete fetched range so
// history-prefilter trimming cannot starve the reassembler of captions.
func ExtractGroupTexts(msgs []Message) map[string]string {
	texts := make(map[string]string)
	for _, m := range sortedByID(msgs) {
		if m.GroupID == "" {
			continue
		}
		if _, ok := texts[m.GroupID]; !ok && m.Body() != "" {
			texts[m.GroupID] = m.Body()
		}
	}
	return texts
}

// FilterMessages runs the full filter pipeline over one pair's messages.
// The stage order is contractual:
//
//  1. pre-extract media-group texts (merged over seed, seed wins),
//  2. universal link exclusion,
//  3. group-aware keyword filter,
//  4. message-level media-type filter,
//  5. compute the text to attach per surviving group,
//  6. ordered literal text replacements.
//
// The function is pure: same messages and pair give the same result, and
// applying it twice is idempotent. seed carries texts pre-extracted from a
// wider message set (may be nil).
func FilterMessages(msgs []Message, pair ChannelPair, seed map[string]string) FilterResult {
	ordered := sortedByID(msgs)
	res := FilterResult{GroupTexts: make(map[string]string, len(seed))}
	res.Stats.Examined = len(ordered)

	// Stage 1: pre-extract group texts before anything is dropped.
	for gid, text := range seed {
		res.GroupTexts[gid] = text
	}
	for gid, text := range ExtractGroupTexts(ordered) {
		if _, ok := res.GroupTexts[gid]; !ok {
			res.GroupTexts[gid] = text
		}
	}

	originalSize := make(map[string]int)
	for _, m := range ordered {
		originalSize[groupKey(m)]++
	}

	// Stage 2: universal exclusions.
	survivors := make([]Message, 0, len(ordered))
	for _, m := range ordered {
		if pair.ExcludeLinks && ContainsLink(m) {
			res.Dropped = append(res.Dropped, DroppedMessage{Message: m, Reason: FilterReasonLink, GroupID: m.GroupID})
			res.Stats.DroppedLink++
			continue
		}
		survivors = append(survivors, m)
	}

	// Stage 3: keyword filter, group-aware. Dropped groups are reported
	// once per group id.
	groups := splitGroups(survivors)
	kept := groups[:0]
	for _, g := range groups {
		if !matchesKeywords(g, pair.Keywords) {
			res.Dropped = append(res.Dropped, DroppedMessage{Message: g.Messages[0], Reason: FilterReasonKeyword, GroupID: g.ID})
			res.Stats.DroppedKeyword += len(g.Messages)
			continue
		}
		kept = append(kept, g)
	}

	// Stage 4: media-type filter, message-level. May partially empty a
	// group; fully emptied groups disappear.
	var final []FilteredGroup
	for _, g := range kept {
		members := make([]Message, 0, len(g.Messages))
		for _, m := range g.Messages {
			if !pair.Allows(messageKind(m)) {
				res.Dropped = append(res.Dropped, DroppedMessage{Message: m, Reason: FilterReasonMediaType, GroupID: m.GroupID})
				res.Stats.DroppedMediaType++
				continue
			}
			members = append(members, m)
		}
		if len(members) == 0 {
			continue
		}
		g.Messages = members
		g.OriginalSize = originalSize[g.key()]
		final = append(final, g)
	}

	// Stages 5–6: attached text and replacements.
	for i := range final {
		res.computeText(&final[i], pair)
		res.Stats.Kept += len(final[i].Messages)
	}
	res.Groups = final
	return res
}

// computeText decides the outbound text for g and applies the pair's
// replacements, recording drift in res.Replaced and g.Modified.
func (res *FilterResult) computeText(g *FilteredGroup, pair ChannelPair) {
	original := ""
	for _, m := range g.Messages {
		if m.Body() != "" {
			original = m.Body()
			break
		}
	}
	if original == "" && g.ID != "" {
		// The member that carried the text was dropped; fall back to the
		// pre-extracted group text.
		original = res.GroupTexts[g.ID]
	}

	if pair.RemoveCaptions {
		g.Caption = ""
		g.Modified = original != ""
		return
	}

	replaced := applyReplacements(original, pair.Replacements)
	g.Caption = replaced
	g.Modified = replaced != original
	if g.Modified {
		res.Replaced = append(res.Replaced, AppliedReplacement{
			Scope:    g.scope(),
			Original: original,
			Replaced: replaced,
		})
	}
}

func (g FilteredGroup) scope() string {
	if g.ID != "" {
		return "group:" + g.ID
	}
	return "message:" + strconv.Itoa(g.Messages[0].ID)
}

func (g FilteredGroup) key() string {
	if g.ID != "" {
		return "g:" + g.ID
	}
	return "m:" + strconv.Itoa(g.Messages[0].ID)
}

func groupKey(m Message) string {
	if m.GroupID != "" {
		return "g:" + m.GroupID
	}
	return "m:" + strconv.Itoa(m.ID)
}

// applyReplacements performs the ordered literal substitutions. Left-to-
// right order is authoritative when find-strings overlap.
func applyReplacements(text string, reps []Replacement) string {
	for _, r := range reps {
		if r.Find == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.Find, r.Replace)
	}
	return text
}

// matchesKeywords reports whether the group passes the keyword gate: empty
// keywords pass everything, otherwise the concatenated group text must
// contain at least one keyword, case-insensitive.
func matchesKeywords(g FilteredGroup, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	var b strings.Builder
	for _, m := range g.Messages {
		b.WriteString(m.Body())
		b.WriteString("\n")
	}
	haystack := foldText(b.String())
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, foldText(kw)) {
			return true
		}
	}
	return false
}

// splitGroups partitions messages into media groups and singleton groups,
// ordered by first message id.
func splitGroups(msgs []Message) []FilteredGroup {
	var groups []FilteredGroup
	index := make(map[string]int)
	for _, m := range msgs {
		if m.GroupID == "" {
			groups = append(groups, FilteredGroup{Messages: []Message{m}})
			continue
		}
		if i, ok := index[m.GroupID]; ok {
			groups[i].Messages = append(groups[i].Messages, m)
			continue
		}
		index[m.GroupID] = len(groups)
		groups = append(groups, FilteredGroup{ID: m.GroupID, Messages: []Message{m}})
	}
	return groups
}

// messageKind maps a message to the media kind the gate evaluates; plain
// text counts as MediaText.
func messageKind(m Message) MediaKind {
	if m.Media == "" {
		return MediaText
	}
	return m.Media
}

func sortedByID(msgs []Message) []Message {
	out := append([]Message(nil), msgs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

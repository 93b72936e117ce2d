// ABOUTME: Merge function combining two records of the same person
// ABOUTME: Last-writer-wins scalars, unioned sets, appended notes, commutative and idempotent
package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMergeKeyMismatch is returned when two records do not describe the same person.
var ErrMergeKeyMismatch = errors.New("merge key mismatch")

// Policy carries the knobs of the merge function.
type Policy struct {
	// Priority ranks sources for equal-timestamp conflicts, best first.
	Priority []Source

	// NewID mints internal ids for first-seen contacts. Defaults to UUIDv7.
	NewID func() string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{Priority: DefaultPriority}
}

// Rank returns the position of s in the priority list; unranked sources sort last.
func (p Policy) Rank(s Source) int {
	for i, ps := range p.Priority {
		if ps == s {
			return i
		}
	}
	return len(p.Priority)
}

func (p Policy) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Merge folds incoming into existing. A nil existing returns incoming
// normalized and tagged with a fresh internal id.
//
// Both records must share a merge key, or share a native id for some source
// (the same upstream record that gained or kept its key). Keyless records
// are never merged with a different person.
func Merge(existing *Contact, incoming Contact, p Policy) (Contact, error) {
	if existing == nil {
		out := Normalize(incoming)
		if out.InternalID == "" {
			out.InternalID = p.newID()
		}
		out.ContentHash = Hash(out)
		return out, nil
	}

	a, b := Normalize(*existing), Normalize(incoming)
	if !SameContact(a, b) {
		return Contact{}, fmt.Errorf("%w: %q vs %q", ErrMergeKeyMismatch, StoreKey(a), StoreKey(b))
	}

	w, l, tie := winner(a, b, p)
	var out Contact
	if tie {
		out = mergeTied(a, b)
	} else {
		out = Contact{
			FirstName: pickScalar(w.FirstName, l.FirstName),
			LastName:  pickScalar(w.LastName, l.LastName),
			Company:   pickScalar(w.Company, l.Company),
			Phones:    appendMissing(w.Phones, l.Phones),
			Addresses: appendMissing(w.Addresses, l.Addresses),
			Notes:     mergeNotes(w.Notes, l.Notes),
			Extra:     mergeExtra(w.Extra, l.Extra, false),
		}
	}
	out.InternalID = minNonEmpty(a.InternalID, b.InternalID)
	out.Emails = mergeEmails(a, b)
	out.SourceTimestamps = maxTimes(a.SourceTimestamps, b.SourceTimestamps)
	out.Tombstones = maxTimes(a.Tombstones, b.Tombstones)
	out.SourceIDs = mergeSourceIDs(a, b)
	if out.InternalID == "" {
		out.InternalID = p.newID()
	}

	out = Normalize(out)
	out.ContentHash = Hash(out)
	return out, nil
}

// SameContact reports whether a and b describe the same person: equal
// non-empty merge keys, or a common native id.
func SameContact(a, b Contact) bool {
	ka, kb := MergeKey(a), MergeKey(b)
	if ka != "" && ka == kb {
		return true
	}
	if ka != "" && kb != "" {
		return false
	}
	for s, id := range a.SourceIDs {
		if b.SourceIDs[s] == id {
			return true
		}
	}
	return false
}

// winner orders a and b by effective time, then by the best-ranked source
// at that time. tie is set when neither decides.
func winner(a, b Contact, p Policy) (w, l Contact, tie bool) {
	ta, tb := a.EffectiveTime(), b.EffectiveTime()
	switch {
	case ta.After(tb):
		return a, b, false
	case tb.After(ta):
		return b, a, false
	}
	ra, rb := bestRank(a, ta, p), bestRank(b, tb, p)
	switch {
	case ra < rb:
		return a, b, false
	case rb < ra:
		return b, a, false
	}
	return a, b, true
}

// mergeTied combines two records neither of which wins on time or priority.
// Every rule here is symmetric in its arguments.
func mergeTied(a, b Contact) Contact {
	older, newer := a.Notes, b.Notes
	if newer < older {
		older, newer = newer, older
	}
	return Contact{
		FirstName: tiedScalar(a.FirstName, b.FirstName),
		LastName:  tiedScalar(a.LastName, b.LastName),
		Company:   tiedScalar(a.Company, b.Company),
		Phones:    tiedList(a.Phones, b.Phones, func(x, y string) bool { return x < y }),
		Addresses: tiedList(a.Addresses, b.Addresses, addressLess),
		Notes:     mergeNotes(newer, older),
		Extra:     mergeExtra(a.Extra, b.Extra, true),
	}
}

func tiedScalar(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "" || a < b:
		return a
	default:
		return b
	}
}

// tiedList keeps the longer list when one extends the other, otherwise the
// sorted union.
func tiedList[T comparable](a, b []T, less func(x, y T) bool) []T {
	if hasPrefix(b, a) {
		return b
	}
	if hasPrefix(a, b) {
		return a
	}
	out := appendMissing(a, b)
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func hasPrefix[T comparable](s, prefix []T) bool {
	if len(prefix) > len(s) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}

func addressLess(x, y Address) bool {
	if x.Street != y.Street {
		return x.Street < y.Street
	}
	if x.Suburb != y.Suburb {
		return x.Suburb < y.Suburb
	}
	if x.State != y.State {
		return x.State < y.State
	}
	if x.Postcode != y.Postcode {
		return x.Postcode < y.Postcode
	}
	return x.Country < y.Country
}

func bestRank(c Contact, at time.Time, p Policy) int {
	best := len(p.Priority) + 1
	for s, ts := range c.SourceTimestamps {
		if ts.Equal(at) {
			if r := p.Rank(s); r < best {
				best = r
			}
		}
	}
	return best
}

// pickScalar prefers the winner unless the winner has no value.
func pickScalar(w, l string) string {
	if w == "" {
		return l
	}
	return w
}

func minNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	case b < a:
		return b
	default:
		return a
	}
}

func mergeEmails(a, b Contact) []string {
	primary := MergeKey(a)
	if primary == "" {
		primary = MergeKey(b)
	}
	if primary == "" {
		return nil
	}
	out := []string{primary}
	out = append(out, a.Emails...)
	return append(out, b.Emails...)
}

// appendMissing returns w followed by the elements of l not already present.
func appendMissing[T comparable](w, l []T) []T {
	if len(w) == 0 && len(l) == 0 {
		return nil
	}
	seen := make(map[T]bool, len(w)+len(l))
	out := make([]T, 0, len(w)+len(l))
	for _, v := range append(append([]T(nil), w...), l...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// mergeNotes keeps whichever side already contains the other; otherwise the
// older notes come first and the newer side's fresh paragraphs are appended.
func mergeNotes(w, l string) string {
	switch {
	case w == l:
		return w
	case w == "":
		return l
	case l == "":
		return w
	}

	wInL := containsAll(l, paragraphs(w))
	lInW := containsAll(w, paragraphs(l))
	switch {
	case wInL && lInW:
		if len(w) != len(l) {
			if len(w) > len(l) {
				return w
			}
			return l
		}
		if w < l {
			return w
		}
		return l
	case wInL:
		return l
	case lInW:
		return w
	}

	out := paragraphs(l)
	for _, para := range paragraphs(w) {
		if !strings.Contains(l, para) && !containsParagraph(out, para) {
			out = append(out, para)
		}
	}
	return strings.Join(out, "\n")
}

func containsAll(text string, paras []string) bool {
	for _, p := range paras {
		if !strings.Contains(text, p) {
			return false
		}
	}
	return true
}

func containsParagraph(paras []string, p string) bool {
	for _, q := range paras {
		if q == p {
			return true
		}
	}
	return false
}

// mergeExtra unions attributes; on conflict the winner's value is kept, or
// the smaller value when tied.
func mergeExtra(w, l map[string]string, tie bool) map[string]string {
	if len(w) == 0 && len(l) == 0 {
		return nil
	}
	out := make(map[string]string, len(w)+len(l))
	for k, v := range l {
		out[k] = v
	}
	for k, v := range w {
		if prev, ok := out[k]; ok && tie && prev < v {
			continue
		}
		out[k] = v
	}
	return out
}

func maxTimes(a, b map[Source]time.Time) map[Source]time.Time {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make(map[Source]time.Time, len(a)+len(b))
	for s, t := range a {
		out[s] = t
	}
	for s, t := range b {
		if prev, ok := out[s]; !ok || t.After(prev) {
			out[s] = t
		}
	}
	return out
}

// mergeSourceIDs unions native ids. When both sides name a different id for
// one source, the side with the newer timestamp for that source wins, then
// the lexicographically smaller id.
func mergeSourceIDs(a, b Contact) map[Source]string {
	if len(a.SourceIDs) == 0 && len(b.SourceIDs) == 0 {
		return nil
	}
	out := make(map[Source]string, len(a.SourceIDs)+len(b.SourceIDs))
	for s, id := range a.SourceIDs {
		out[s] = id
	}
	for s, id := range b.SourceIDs {
		prev, ok := out[s]
		if !ok || prev == id {
			out[s] = id
			continue
		}
		ta, tb := a.SourceTimestamps[s], b.SourceTimestamps[s]
		switch {
		case tb.After(ta):
			out[s] = id
		case ta.After(tb):
		case id < prev:
			out[s] = id
		}
	}
	return out
}

// ABOUTME: Field normalization for contacts coming from any source
// ABOUTME: Canonicalizes emails, phones, addresses and notes before merging and hashing
package models

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail lowercases and trims an email. Malformed values normalize to "".
func NormalizeEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	at := strings.IndexByte(e, '@')
	if at <= 0 || at != strings.LastIndexByte(e, '@') || at == len(e)-1 {
		return ""
	}
	if strings.IndexFunc(e, unicode.IsSpace) >= 0 {
		return ""
	}
	return norm.NFC.String(e)
}

// NormalizePhone reduces a phone number to digits, folding the +61 mobile prefix to a leading 0.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	switch {
	case strings.HasPrefix(d, "0061") && len(d) == 13:
		d = "0" + d[4:]
	case strings.HasPrefix(d, "061") && len(d) == 12:
		d = "0" + d[3:]
	case strings.HasPrefix(d, "61") && len(d) == 11:
		d = "0" + d[2:]
	}
	return d
}

// MergeKey is the lowercased primary email, or "" for a keyless contact.
func MergeKey(c Contact) string {
	for _, e := range c.Emails {
		if n := NormalizeEmail(e); n != "" {
			return n
		}
	}
	return ""
}

// StoreKey is the row key a contact is persisted under: its merge key, or a
// synthetic "~source:id" key for keyless contacts.
func StoreKey(c Contact) string {
	if k := MergeKey(c); k != "" {
		return k
	}
	for _, s := range c.Sources() {
		return KeylessKey(s, c.SourceIDs[s])
	}
	return ""
}

// KeylessKey builds the synthetic row key for a keyless contact.
func KeylessKey(s Source, nativeID string) string {
	return "~" + string(s) + ":" + nativeID
}

// IsKeylessKey reports whether key was built by KeylessKey.
func IsKeylessKey(key string) bool {
	return strings.HasPrefix(key, "~")
}

func normalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeNotes trims each paragraph and drops empty ones.
func NormalizeNotes(notes string) string {
	return strings.Join(paragraphs(notes), "\n")
}

func paragraphs(notes string) []string {
	notes = strings.ReplaceAll(notes, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(notes, "\n") {
		if p = normalizeText(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func normalizeAddress(a Address) Address {
	return Address{
		Street:   normalizeText(a.Street),
		Suburb:   normalizeText(a.Suburb),
		State:    normalizeText(a.State),
		Postcode: normalizeText(a.Postcode),
		Country:  strings.ToUpper(normalizeText(a.Country)),
	}
}

// Normalize canonicalizes every field of c and applies tombstones. The
// primary email keeps its position; remaining emails are sorted.
func Normalize(c Contact) Contact {
	out := Contact{
		InternalID:  strings.TrimSpace(c.InternalID),
		FirstName:   normalizeText(c.FirstName),
		LastName:    normalizeText(c.LastName),
		Company:     normalizeText(c.Company),
		Notes:       NormalizeNotes(c.Notes),
		ContentHash: c.ContentHash,
	}

	primary := MergeKey(c)
	if primary != "" {
		out.Emails = []string{primary}
		var rest []string
		seen := map[string]bool{primary: true}
		for _, e := range c.Emails {
			if n := NormalizeEmail(e); n != "" && !seen[n] {
				seen[n] = true
				rest = append(rest, n)
			}
		}
		sort.Strings(rest)
		out.Emails = append(out.Emails, rest...)
	}

	seenPhone := map[string]bool{}
	for _, p := range c.Phones {
		if n := NormalizePhone(p); n != "" && !seenPhone[n] {
			seenPhone[n] = true
			out.Phones = append(out.Phones, n)
		}
	}

	seenAddr := map[Address]bool{}
	for _, a := range c.Addresses {
		if n := normalizeAddress(a); !n.IsZero() && !seenAddr[n] {
			seenAddr[n] = true
			out.Addresses = append(out.Addresses, n)
		}
	}

	for k, v := range c.Extra {
		k, v = normalizeText(k), normalizeText(v)
		if k == "" || v == "" {
			continue
		}
		if out.Extra == nil {
			out.Extra = map[string]string{}
		}
		out.Extra[k] = v
	}

	for s, id := range c.SourceIDs {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if out.SourceIDs == nil {
			out.SourceIDs = map[Source]string{}
		}
		out.SourceIDs[s] = id
	}
	out.SourceTimestamps = normalizeTimes(c.SourceTimestamps)
	out.Tombstones = normalizeTimes(c.Tombstones)

	return applyTombstones(out)
}

// applyTombstones clears a tombstone once the source reports a newer record,
// and otherwise drops the stale mapping it shadows.
func applyTombstones(c Contact) Contact {
	for s, deletedAt := range c.Tombstones {
		id, hasID := c.SourceIDs[s]
		if hasID && id != "" && c.SourceTimestamps[s].After(deletedAt) {
			delete(c.Tombstones, s)
			continue
		}
		delete(c.SourceIDs, s)
	}
	if len(c.Tombstones) == 0 {
		c.Tombstones = nil
	}
	if len(c.SourceIDs) == 0 {
		c.SourceIDs = nil
	}
	return c
}

func normalizeTimes(m map[Source]time.Time) map[Source]time.Time {
	var out map[Source]time.Time
	for s, t := range m {
		if t.IsZero() {
			continue
		}
		if out == nil {
			out = map[Source]time.Time{}
		}
		out[s] = t.UTC()
	}
	return out
}

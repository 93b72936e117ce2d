// ABOUTME: Core data models for the reconciled contact list
// ABOUTME: Defines Contact, Address and Source along with per-source bookkeeping
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Source names one upstream system that holds contacts.
type Source string

const (
	SourceDirectory Source = "google"
	SourcePOS       Source = "square"
	SourceForm      Source = "webform"
)

// DefaultPriority ranks sources for equal-timestamp conflicts, best first.
var DefaultPriority = []Source{SourcePOS, SourceDirectory, SourceForm}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	switch src := Source(strings.ToLower(strings.TrimSpace(s))); src {
	case SourceDirectory, SourcePOS, SourceForm:
		return src, nil
	default:
		return "", fmt.Errorf("unknown source %q", s)
	}
}

// Address is a postal address as held by any source.
type Address struct {
	Street   string `json:"street,omitempty"`
	Suburb   string `json:"suburb,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

// IsZero reports whether every field is empty.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Contact is one person as known across all sources.
type Contact struct {
	InternalID       string               `json:"internal_id,omitempty"`
	SourceIDs        map[Source]string    `json:"source_ids,omitempty"`
	Emails           []string             `json:"emails,omitempty"`
	Phones           []string             `json:"phones,omitempty"`
	Addresses        []Address            `json:"addresses,omitempty"`
	FirstName        string               `json:"first_name,omitempty"`
	LastName         string               `json:"last_name,omitempty"`
	Company          string               `json:"company,omitempty"`
	Notes            string               `json:"notes,omitempty"`
	Extra            map[string]string    `json:"extra,omitempty"`
	SourceTimestamps map[Source]time.Time `json:"source_timestamps,omitempty"`
	Tombstones       map[Source]time.Time `json:"tombstones,omitempty"`
	ContentHash      string               `json:"content_hash,omitempty"`
}

// PrimaryEmail returns the first email, or "".
func (c Contact) PrimaryEmail() string {
	if len(c.Emails) == 0 {
		return ""
	}
	return c.Emails[0]
}

// PrimaryPhone returns the first phone, or "".
func (c Contact) PrimaryPhone() string {
	if len(c.Phones) == 0 {
		return ""
	}
	return c.Phones[0]
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// EffectiveTime is the newest source timestamp on the record.
func (c Contact) EffectiveTime() time.Time {
	var t time.Time
	for _, ts := range c.SourceTimestamps {
		if ts.After(t) {
			t = ts
		}
	}
	return t
}

// Sources returns the sources holding a native id for the contact, sorted.
func (c Contact) Sources() []Source {
	out := make([]Source, 0, len(c.SourceIDs))
	for s := range c.SourceIDs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasSource reports whether the contact carries a native id for s.
func (c Contact) HasSource(s Source) bool {
	_, ok := c.SourceIDs[s]
	return ok
}

// Tombstoned reports whether s reported this contact deleted.
func (c Contact) Tombstoned(s Source) bool {
	_, ok := c.Tombstones[s]
	return ok
}

// Clone returns a deep copy.
func (c Contact) Clone() Contact {
	out := c
	out.SourceIDs = cloneMap(c.SourceIDs)
	out.Extra = cloneMap(c.Extra)
	out.SourceTimestamps = cloneMap(c.SourceTimestamps)
	out.Tombstones = cloneMap(c.Tombstones)
	if c.Emails != nil {
		out.Emails = append([]string(nil), c.Emails...)
	}
	if c.Phones != nil {
		out.Phones = append([]string(nil), c.Phones...)
	}
	if c.Addresses != nil {
		out.Addresses = append([]Address(nil), c.Addresses...)
	}
	return out
}

// RemoveSource drops the mapping for s and records a tombstone at the given time.
func (c Contact) RemoveSource(s Source, at time.Time) Contact {
	out := c.Clone()
	delete(out.SourceIDs, s)
	// A tombstone never predates the last version we saw from the source.
	if ts, ok := out.SourceTimestamps[s]; ok && ts.After(at) {
		at = ts
	}
	if out.Tombstones == nil {
		out.Tombstones = map[Source]time.Time{}
	}
	if prev, ok := out.Tombstones[s]; !ok || at.After(prev) {
		out.Tombstones[s] = at.UTC()
	}
	out = Normalize(out)
	out.ContentHash = Hash(out)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ABOUTME: Content hashing for change detection
// ABOUTME: Domain-separated sha256 over normalized contact fields and source bookkeeping
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"time"
)

const (
	fieldsHashDomain  = "contactsync/contact-fields/v1"
	contentHashDomain = "contactsync/contact/v1"
)

// FieldsHash covers only the user-visible fields of c. Two sources holding
// the same person data produce the same FieldsHash.
func FieldsHash(c Contact) string {
	c = Normalize(c)
	h := sha256.New()
	writePart(h, fieldsHashDomain)
	writeFields(h, c)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash covers the fields plus source ids, timestamps and tombstones. It is
// what the state store keeps as content_hash.
func Hash(c Contact) string {
	c = Normalize(c)
	h := sha256.New()
	writePart(h, contentHashDomain)
	writeFields(h, c)

	writePart(h, "source_ids")
	for _, s := range sortedSources(c.SourceIDs) {
		writePart(h, string(s), c.SourceIDs[s])
	}
	writeTimes(h, "source_timestamps", c.SourceTimestamps)
	writeTimes(h, "tombstones", c.Tombstones)
	return hex.EncodeToString(h.Sum(nil))
}

func writeFields(h hash.Hash, c Contact) {
	writePart(h, "first_name", c.FirstName)
	writePart(h, "last_name", c.LastName)
	writePart(h, "company", c.Company)
	writePart(h, "notes", c.Notes)

	writePart(h, "emails", strconv.Itoa(len(c.Emails)))
	writePart(h, c.Emails...)
	writePart(h, "phones", strconv.Itoa(len(c.Phones)))
	writePart(h, c.Phones...)

	writePart(h, "addresses", strconv.Itoa(len(c.Addresses)))
	for _, a := range c.Addresses {
		writePart(h, a.Street, a.Suburb, a.State, a.Postcode, a.Country)
	}

	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writePart(h, "extra", strconv.Itoa(len(keys)))
	for _, k := range keys {
		writePart(h, k, c.Extra[k])
	}
}

func writeTimes(h hash.Hash, label string, m map[Source]time.Time) {
	writePart(h, label)
	for _, s := range sortedSources(m) {
		writePart(h, string(s), m[s].UTC().Format(time.RFC3339Nano))
	}
}

// writePart writes each value followed by a 0x00 separator.
func writePart(h hash.Hash, values ...string) {
	for _, v := range values {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
}

func sortedSources[V any](m map[Source]V) []Source {
	out := make([]Source, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

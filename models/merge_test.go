// ABOUTME: Tests for the contact merge function
// ABOUTME: Checks field policies plus commutativity, idempotence and no-loss over generated records
package models

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func fixedPolicy() Policy {
	p := DefaultPolicy()
	p.NewID = func() string { return "0190f000-0000-7000-8000-000000000000" }
	return p
}

func mustMerge(t *testing.T, a *Contact, b Contact) Contact {
	t.Helper()
	out, err := Merge(a, b, fixedPolicy())
	require.NoError(t, err)
	return out
}

func TestMergeFirstSeenMintsInternalID(t *testing.T) {
	out, err := Merge(nil, Contact{Emails: []string{"A@X.com"}}, DefaultPolicy())
	require.NoError(t, err)

	assert.NotEmpty(t, out.InternalID)
	assert.Equal(t, []string{"a@x.com"}, out.Emails)
	assert.Equal(t, Hash(out), out.ContentHash)
}

func TestMergeKeepsExistingInternalID(t *testing.T) {
	existing := Contact{InternalID: "0190a", Emails: []string{"a@x.com"}}
	out := mustMerge(t, &existing, Contact{Emails: []string{"a@x.com"}, FirstName: "Ann"})
	assert.Equal(t, "0190a", out.InternalID)
}

// Scenario: X has {a@x.com, 123}, Y has {A@X.com, 1 Main St}.
func TestMergeUnionsAcrossSources(t *testing.T) {
	x := Contact{
		Emails:           []string{"a@x.com"},
		Phones:           []string{"123"},
		SourceIDs:        map[Source]string{SourcePOS: "42"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base},
	}
	y := Contact{
		Emails:           []string{"A@X.com"},
		Addresses:        []Address{{Street: "1 Main St"}},
		SourceIDs:        map[Source]string{SourceDirectory: "people/c7"},
		SourceTimestamps: map[Source]time.Time{SourceDirectory: base.Add(time.Minute)},
	}

	first, err := Merge(nil, x, fixedPolicy())
	require.NoError(t, err)
	out := mustMerge(t, &first, y)

	assert.Equal(t, []string{"a@x.com"}, out.Emails)
	assert.Equal(t, []string{"123"}, out.Phones)
	assert.Equal(t, []Address{{Street: "1 Main St"}}, out.Addresses)
	assert.Equal(t, map[Source]string{SourcePOS: "42", SourceDirectory: "people/c7"}, out.SourceIDs)
}

func TestMergeRejectsDifferentPeople(t *testing.T) {
	a := Contact{Emails: []string{"a@x.com"}}
	_, err := Merge(&a, Contact{Emails: []string{"b@x.com"}}, DefaultPolicy())
	assert.ErrorIs(t, err, ErrMergeKeyMismatch)

	// two keyless records are never merged on their own
	k1 := Contact{Phones: []string{"123"}, SourceIDs: map[Source]string{SourcePOS: "1"}}
	k2 := Contact{Phones: []string{"123"}, SourceIDs: map[Source]string{SourcePOS: "2"}}
	_, err = Merge(&k1, k2, DefaultPolicy())
	assert.ErrorIs(t, err, ErrMergeKeyMismatch)
}

func TestMergeKeylessRecordGainingEmail(t *testing.T) {
	stored := Contact{
		InternalID:       "0190a",
		Phones:           []string{"123"},
		SourceIDs:        map[Source]string{SourcePOS: "42"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base},
	}
	update := Contact{
		Emails:           []string{"new@x.com"},
		SourceIDs:        map[Source]string{SourcePOS: "42"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base.Add(time.Hour)},
	}

	out := mustMerge(t, &stored, update)
	assert.Equal(t, "new@x.com", MergeKey(out))
	assert.Equal(t, "0190a", out.InternalID)
	assert.Equal(t, []string{"123"}, out.Phones)
}

func TestMergeScalarsLastWriterWins(t *testing.T) {
	older := Contact{
		Emails:           []string{"a@x.com"},
		FirstName:        "Ann",
		Company:          "Old Co",
		SourceTimestamps: map[Source]time.Time{SourceDirectory: base},
	}
	newer := Contact{
		Emails:           []string{"a@x.com"},
		FirstName:        "Annie",
		SourceTimestamps: map[Source]time.Time{SourceForm: base.Add(time.Hour)},
	}

	out := mustMerge(t, &older, newer)
	assert.Equal(t, "Annie", out.FirstName)
	assert.Equal(t, "Old Co", out.Company, "empty winner value must not erase data")
}

func TestMergeEqualTimestampsUsePriority(t *testing.T) {
	google := Contact{
		Emails:           []string{"a@x.com"},
		LastName:         "Smith",
		SourceTimestamps: map[Source]time.Time{SourceDirectory: base},
	}
	square := Contact{
		Emails:           []string{"a@x.com"},
		LastName:         "Smyth",
		SourceTimestamps: map[Source]time.Time{SourcePOS: base},
	}

	out := mustMerge(t, &google, square)
	assert.Equal(t, "Smyth", out.LastName)

	p := fixedPolicy()
	p.Priority = []Source{SourceDirectory, SourcePOS, SourceForm}
	out, err := Merge(&google, square, p)
	require.NoError(t, err)
	assert.Equal(t, "Smith", out.LastName)
}

func TestMergeNotesAppend(t *testing.T) {
	older := Contact{Emails: []string{"a@x.com"}, Notes: "Likes tea", SourceTimestamps: map[Source]time.Time{SourceDirectory: base}}
	newer := Contact{Emails: []string{"a@x.com"}, Notes: "Ordered a scooter", SourceTimestamps: map[Source]time.Time{SourcePOS: base.Add(time.Hour)}}

	out := mustMerge(t, &older, newer)
	assert.Equal(t, "Likes tea\nOrdered a scooter", out.Notes)

	again := mustMerge(t, &out, newer)
	assert.Equal(t, out.Notes, again.Notes)
}

func TestMergeNotesRecognizesTruncatedCopy(t *testing.T) {
	full := strings.Repeat("a", 300) + "\n" + strings.Repeat("b", 300)
	merged := Contact{Emails: []string{"a@x.com"}, Notes: full, SourceTimestamps: map[Source]time.Time{SourceDirectory: base}}
	truncated := Contact{Emails: []string{"a@x.com"}, Notes: full[:500], SourceTimestamps: map[Source]time.Time{SourcePOS: base.Add(time.Hour)}}

	out := mustMerge(t, &merged, truncated)
	assert.Equal(t, full, out.Notes)
}

func TestMergeConflictingSourceIDs(t *testing.T) {
	a := Contact{
		Emails:           []string{"a@x.com"},
		SourceIDs:        map[Source]string{SourcePOS: "old"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base},
	}
	b := Contact{
		Emails:           []string{"a@x.com"},
		SourceIDs:        map[Source]string{SourcePOS: "new"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base.Add(time.Minute)},
	}

	assert.Equal(t, "new", mustMerge(t, &a, b).SourceIDs[SourcePOS])
	assert.Equal(t, "new", mustMerge(t, &b, a).SourceIDs[SourcePOS])
}

func TestMergeTombstonePreventsResurrection(t *testing.T) {
	deleted := base.Add(time.Hour)
	stored := Contact{
		Emails:           []string{"a@x.com"},
		SourceIDs:        map[Source]string{SourceDirectory: "people/c1"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base, SourceDirectory: base},
		Tombstones:       map[Source]time.Time{SourcePOS: deleted},
	}
	staleSnapshot := Contact{
		Emails:           []string{"a@x.com"},
		SourceIDs:        map[Source]string{SourcePOS: "42"},
		SourceTimestamps: map[Source]time.Time{SourcePOS: base},
	}

	out := mustMerge(t, &stored, staleSnapshot)
	assert.False(t, out.HasSource(SourcePOS))
	assert.True(t, out.Tombstoned(SourcePOS))
}

// generator for property checks; small pools force collisions and ties
type contactGen struct {
	r *rand.Rand
}

func (g contactGen) pick(pool []string) string {
	return pool[g.r.Intn(len(pool))]
}

func (g contactGen) contact() Contact {
	names := []string{"", "Ann", "Bob", "Zoë", "Ann "}
	notes := []string{"", "VIP", "VIP customer", "Likes tea", "Likes tea\nVIP", "Called about order"}
	phones := []string{"0412345678", "+61 412 345 678", "123", "999"}
	sources := []Source{SourceDirectory, SourcePOS, SourceForm}
	ids := []string{"", "0190a", "0190b"}
	keys := []string{"a@x.com", "A@X.com", " a@x.com"}

	c := Contact{
		InternalID: g.pick(ids),
		Emails:     []string{g.pick(keys)},
		FirstName:  g.pick(names),
		LastName:   g.pick(names),
		Company:    g.pick([]string{"", "Acme", "Globex"}),
		Notes:      g.pick(notes),
	}
	if g.r.Intn(2) == 0 {
		c.Emails = append(c.Emails, g.pick([]string{"b@y.com", "c@z.com"}))
	}
	for i := g.r.Intn(3); i > 0; i-- {
		c.Phones = append(c.Phones, g.pick(phones))
	}
	if g.r.Intn(2) == 0 {
		c.Addresses = []Address{{Street: g.pick([]string{"1 Main St", "2 High St"}), Country: "AU"}}
	}
	if g.r.Intn(3) == 0 {
		c.Extra = map[string]string{"escooter1": g.pick([]string{"Segway", "Xiaomi"})}
	}
	for _, s := range sources {
		if g.r.Intn(2) == 0 {
			if c.SourceIDs == nil {
				c.SourceIDs = map[Source]string{}
				c.SourceTimestamps = map[Source]time.Time{}
			}
			c.SourceIDs[s] = g.pick([]string{"1", "2"})
			c.SourceTimestamps[s] = base.Add(time.Duration(g.r.Intn(3)) * time.Hour)
		}
	}
	if g.r.Intn(4) == 0 {
		c.Tombstones = map[Source]time.Time{SourcePOS: base.Add(time.Duration(g.r.Intn(3)) * time.Hour)}
	}
	return c
}

func TestMergeProperties(t *testing.T) {
	g := contactGen{r: rand.New(rand.NewSource(42))}

	for i := 0; i < 2000; i++ {
		a, b := g.contact(), g.contact()

		ab := mustMerge(t, &a, b)
		ba := mustMerge(t, &b, a)
		if diff := cmp.Diff(ab, ba); diff != "" {
			t.Fatalf("merge not commutative for case %d (-ab +ba):\n%s", i, diff)
		}

		again := mustMerge(t, &ab, b)
		if diff := cmp.Diff(ab, again); diff != "" {
			t.Fatalf("merge not idempotent for case %d (-first +second):\n%s", i, diff)
		}

		self := mustMerge(t, &ab, ab)
		if diff := cmp.Diff(ab, self); diff != "" {
			t.Fatalf("merge with self changed record for case %d:\n%s", i, diff)
		}

		assertNoInformationLoss(t, a, b, ab)
	}
}

func assertNoInformationLoss(t *testing.T, a, b, out Contact) {
	t.Helper()
	for _, in := range []Contact{Normalize(a), Normalize(b)} {
		if in.FirstName != "" {
			assert.NotEmpty(t, out.FirstName)
		}
		if in.LastName != "" {
			assert.NotEmpty(t, out.LastName)
		}
		if in.Company != "" {
			assert.NotEmpty(t, out.Company)
		}
		for _, e := range in.Emails {
			assert.Contains(t, out.Emails, e)
		}
		for _, p := range in.Phones {
			assert.Contains(t, out.Phones, p)
		}
		for _, addr := range in.Addresses {
			assert.Contains(t, out.Addresses, addr)
		}
		for _, para := range paragraphs(in.Notes) {
			assert.Contains(t, out.Notes, para)
		}
		for k := range in.Extra {
			assert.Contains(t, out.Extra, k)
		}
	}
}

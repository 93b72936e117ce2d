// ABOUTME: Inbound form submission record and its mapping onto a Contact
// ABOUTME: Accepts the field aliases older form versions send and applies address defaults
package models

import (
	"strings"
	"time"
)

// Submission is one record posted to the local form intake. Empty strings
// and JSON nulls both mean "no value".
type Submission struct {
	ID           string `json:"id,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Surname      string `json:"surname,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Number       string `json:"number,omitempty"`
	AddressLine1 string `json:"address_line_1,omitempty"`
	Address      string `json:"address,omitempty"`
	Suburb       string `json:"suburb,omitempty"`
	State        string `json:"state,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
	Country      string `json:"country,omitempty"`
	Company      string `json:"company,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Issue        string `json:"issue,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
}

// FormDefaults fills address fields a submission left empty.
type FormDefaults struct {
	State   string
	Country string
}

// Validate reports whether the submission carries enough to identify a person.
func (s Submission) Validate() bool {
	return NormalizeEmail(s.Email) != "" || NormalizePhone(firstNonEmpty(s.Phone, s.Number)) != ""
}

// SubmittedAt parses the client timestamp, falling back to receivedAt.
func (s Submission) SubmittedAt(receivedAt time.Time) time.Time {
	ts := strings.TrimSpace(s.Timestamp)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC()
		}
	}
	return receivedAt.UTC()
}

// FromSubmission maps a stored submission onto a Contact owned by the form source.
func FromSubmission(s Submission, defaults FormDefaults, receivedAt time.Time) Contact {
	c := Contact{
		FirstName: s.FirstName,
		LastName:  firstNonEmpty(s.LastName, s.Surname),
		Company:   s.Company,
		Notes:     strings.Join(nonEmpty(s.Notes, s.Issue), "\n"),
	}
	if e := strings.TrimSpace(s.Email); e != "" {
		c.Emails = []string{e}
	}
	if p := firstNonEmpty(s.Phone, s.Number); p != "" {
		c.Phones = []string{p}
	}

	addr := Address{
		Street:   firstNonEmpty(s.AddressLine1, s.Address),
		Suburb:   s.Suburb,
		State:    s.State,
		Postcode: s.Postcode,
		Country:  s.Country,
	}
	if !normalizeAddress(addr).IsZero() {
		if strings.TrimSpace(addr.State) == "" {
			addr.State = defaults.State
		}
		if strings.TrimSpace(addr.Country) == "" {
			addr.Country = defaults.Country
		}
		c.Addresses = []Address{addr}
	}

	if id := strings.TrimSpace(s.ID); id != "" {
		c.SourceIDs = map[Source]string{SourceForm: id}
	}
	c.SourceTimestamps = map[Source]time.Time{SourceForm: s.SubmittedAt(receivedAt)}
	return Normalize(c)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

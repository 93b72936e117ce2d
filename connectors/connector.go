// ABOUTME: Connector interface implemented by every contact source
// ABOUTME: Optional capabilities are discovered by type assertion
package connectors

import (
	"context"

	"github.com/harperreed/contactsync/models"
)

// FetchRequest scopes a fetch. An empty MergeKey means every contact.
type FetchRequest struct {
	// ChangeToken is the token returned by the previous full fetch, if any.
	ChangeToken string
	MergeKey    string
}

// FullSync reports whether the request covers every contact.
func (r FetchRequest) FullSync() bool {
	return r.MergeKey == ""
}

// FetchResult is what a source returned for one fetch.
type FetchResult struct {
	Contacts []models.Contact
	// Deleted holds native ids the source reported as removed since ChangeToken.
	Deleted   []string
	NextToken string
	// Incremental is true when Contacts only holds changes since ChangeToken.
	Incremental bool
}

// Connector adapts one upstream source to the common contact model.
type Connector interface {
	Name() models.Source
	FetchContacts(ctx context.Context, req FetchRequest) (*FetchResult, error)
	// PushContact creates or updates c upstream and returns its native id.
	PushContact(ctx context.Context, c models.Contact) (string, error)
	SupportsIncrementalFetch() bool
}

// Reauthenticator can refresh credentials after an AuthExpired failure.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// Projector reduces a contact to what the source can actually hold.
type Projector interface {
	Project(c models.Contact) models.Contact
}

// NativeFetcher loads a single record by its native id.
type NativeFetcher interface {
	FetchByNativeID(ctx context.Context, nativeID string) (*models.Contact, error)
}

// ReadOnly marks sources that never accept pushes.
type ReadOnly interface {
	ReadOnly() bool
}

// Project returns the part of c that conn can hold. Source bookkeeping is
// always dropped so the result only carries person fields.
func Project(conn Connector, c models.Contact) models.Contact {
	if p, ok := conn.(Projector); ok {
		c = p.Project(c)
	}
	return models.Contact{
		Emails:    c.Emails,
		Phones:    c.Phones,
		Addresses: c.Addresses,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Company:   c.Company,
		Notes:     c.Notes,
		Extra:     c.Extra,
	}
}

// ProjectedHash is the field hash of c as conn would hold it.
func ProjectedHash(conn Connector, c models.Contact) string {
	return models.FieldsHash(Project(conn, c))
}

// Pushable reports whether conn accepts pushes.
func Pushable(conn Connector) bool {
	r, ok := conn.(ReadOnly)
	return !ok || !r.ReadOnly()
}

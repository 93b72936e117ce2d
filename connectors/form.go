// ABOUTME: Local web form source backed by the form_submissions table
// ABOUTME: Read-only; each stored submission becomes one partial contact
package connectors

import (
	"context"
	"fmt"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
)

// SubmissionStore lists stored form submissions, optionally for one email.
type SubmissionStore interface {
	ListSubmissions(ctx context.Context, email string) ([]db.StoredSubmission, error)
}

// FormConnector exposes stored submissions as contacts.
type FormConnector struct {
	store    SubmissionStore
	defaults models.FormDefaults
}

// NewFormConnector creates the form source.
func NewFormConnector(store SubmissionStore, defaults models.FormDefaults) *FormConnector {
	return &FormConnector{store: store, defaults: defaults}
}

func (f *FormConnector) Name() models.Source { return models.SourceForm }

func (f *FormConnector) SupportsIncrementalFetch() bool { return false }

func (f *FormConnector) ReadOnly() bool { return true }

// FetchContacts converts every submission (or those for req.MergeKey) to contacts.
func (f *FormConnector) FetchContacts(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	email := ""
	if !req.FullSync() && !models.IsKeylessKey(req.MergeKey) {
		email = req.MergeKey
	}
	subs, err := f.store.ListSubmissions(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list form submissions: %w", err)
	}

	out := make([]models.Contact, 0, len(subs))
	for _, s := range subs {
		c := models.FromSubmission(s.Submission, f.defaults, s.ReceivedAt)
		if !req.FullSync() && models.StoreKey(c) != req.MergeKey {
			continue
		}
		out = append(out, c)
	}
	return &FetchResult{Contacts: out}, nil
}

// FetchByNativeID returns the submission with the given id.
func (f *FormConnector) FetchByNativeID(ctx context.Context, nativeID string) (*models.Contact, error) {
	subs, err := f.store.ListSubmissions(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list form submissions: %w", err)
	}
	for _, s := range subs {
		if s.ID == nativeID {
			c := models.FromSubmission(s.Submission, f.defaults, s.ReceivedAt)
			return &c, nil
		}
	}
	return nil, nil
}

// PushContact is a no-op: submissions are never written back.
func (f *FormConnector) PushContact(ctx context.Context, c models.Contact) (string, error) {
	return c.SourceIDs[models.SourceForm], nil
}

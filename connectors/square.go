// ABOUTME: Point-of-sale connector for the Square Customers REST API
// ABOUTME: Cursor-paginated listing, email search, single-record fetch and create/update pushes
package connectors

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/transport"
)

// SquareNoteLimit is the longest customer note Square accepts.
const SquareNoteLimit = 500

const squarePageSize = 100

type squareAddress struct {
	AddressLine1 string `json:"address_line_1,omitempty"`
	Locality     string `json:"locality,omitempty"`
	District     string `json:"administrative_district_level_1,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

type squareCustomer struct {
	ID           string         `json:"id,omitempty"`
	GivenName    string         `json:"given_name,omitempty"`
	FamilyName   string         `json:"family_name,omitempty"`
	EmailAddress string         `json:"email_address,omitempty"`
	PhoneNumber  string         `json:"phone_number,omitempty"`
	CompanyName  string         `json:"company_name,omitempty"`
	Address      *squareAddress `json:"address,omitempty"`
	Note         string         `json:"note,omitempty"`
	ReferenceID  string         `json:"reference_id,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

type squareListResponse struct {
	Customers []squareCustomer `json:"customers"`
	Cursor    string           `json:"cursor"`
}

type squareCustomerResponse struct {
	Customer squareCustomer `json:"customer"`
}

type squareCreateRequest struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	squareCustomer
}

// SquareConnector talks to the Square Customers API.
type SquareConnector struct {
	client *transport.Client
	logger zerolog.Logger
}

// SquareOptions configures the connector.
type SquareOptions struct {
	AccessToken string
	BaseURL     string
	Version     string
	Retry       transport.Policy
	HTTPClient  *http.Client
}

// NewSquareConnector creates the point-of-sale source.
func NewSquareConnector(opts SquareOptions, logger zerolog.Logger) *SquareConnector {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.AccessToken)
	if opts.Version != "" {
		header.Set("Square-Version", opts.Version)
	}
	logger = logger.With().Str("source", string(models.SourcePOS)).Logger()
	client := transport.NewClient(string(models.SourcePOS), opts.BaseURL, header, logger)
	if opts.Retry.MaxAttempts > 0 {
		client.Retry = opts.Retry
	}
	if opts.HTTPClient != nil {
		client.HTTP = opts.HTTPClient
	}
	return &SquareConnector{client: client, logger: logger}
}

func (s *SquareConnector) Name() models.Source { return models.SourcePOS }

func (s *SquareConnector) SupportsIncrementalFetch() bool { return false }

// FetchContacts lists every customer, or searches by email for a scoped fetch.
func (s *SquareConnector) FetchContacts(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if req.FullSync() {
		customers, err := s.listCustomers(ctx)
		if err != nil {
			return nil, err
		}
		return &FetchResult{Contacts: convertCustomers(customers)}, nil
	}

	if models.IsKeylessKey(req.MergeKey) {
		prefix := models.KeylessKey(models.SourcePOS, "")
		if !strings.HasPrefix(req.MergeKey, prefix) {
			return &FetchResult{}, nil
		}
		id := strings.TrimPrefix(req.MergeKey, prefix)
		c, err := s.FetchByNativeID(ctx, id)
		if cerrors.Is(err, cerrors.ErrNotFound) {
			return &FetchResult{Deleted: []string{id}}, nil
		}
		if err != nil {
			return nil, err
		}
		return &FetchResult{Contacts: []models.Contact{*c}}, nil
	}

	customers, err := s.searchByEmail(ctx, req.MergeKey)
	if err != nil {
		return nil, err
	}
	return &FetchResult{Contacts: convertCustomers(customers)}, nil
}

// FetchByNativeID loads one customer.
func (s *SquareConnector) FetchByNativeID(ctx context.Context, nativeID string) (*models.Contact, error) {
	var resp squareCustomerResponse
	if err := s.client.DoJSON(ctx, "get customer", http.MethodGet, "/v2/customers/"+url.PathEscape(nativeID), nil, &resp); err != nil {
		return nil, err
	}
	c := customerToContact(resp.Customer)
	return &c, nil
}

// PushContact updates the mapped customer or creates a new one.
func (s *SquareConnector) PushContact(ctx context.Context, c models.Contact) (string, error) {
	body := contactToCustomer(s.Project(c))

	if id := c.SourceIDs[models.SourcePOS]; id != "" {
		var resp squareCustomerResponse
		if err := s.client.DoJSON(ctx, "update customer", http.MethodPut, "/v2/customers/"+url.PathEscape(id), body, &resp); err != nil {
			return "", err
		}
		return id, nil
	}

	req := squareCreateRequest{squareCustomer: body}
	if c.InternalID != "" {
		req.IdempotencyKey = "contactsync-" + c.InternalID
		req.ReferenceID = c.InternalID
	}
	var resp squareCustomerResponse
	if err := s.client.DoJSON(ctx, "create customer", http.MethodPost, "/v2/customers", req, &resp); err != nil {
		return "", err
	}
	if resp.Customer.ID == "" {
		return "", fmt.Errorf("square create customer returned no id")
	}
	s.logger.Debug().Str("native_id", resp.Customer.ID).Msg("created customer")
	return resp.Customer.ID, nil
}

// Project keeps the single email, phone and address Square holds and
// truncates the note.
func (s *SquareConnector) Project(c models.Contact) models.Contact {
	out := models.Contact{
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Company:   c.Company,
		Notes:     truncateRunes(c.Notes, SquareNoteLimit),
	}
	if e := c.PrimaryEmail(); e != "" {
		out.Emails = []string{e}
	}
	if p := c.PrimaryPhone(); p != "" {
		out.Phones = []string{p}
	}
	if len(c.Addresses) > 0 {
		out.Addresses = []models.Address{c.Addresses[0]}
	}
	return models.Normalize(out)
}

func (s *SquareConnector) listCustomers(ctx context.Context) ([]squareCustomer, error) {
	var all []squareCustomer
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(squarePageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page squareListResponse
		if err := s.client.DoJSON(ctx, "list customers", http.MethodGet, "/v2/customers?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Customers...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	s.logger.Debug().Int("count", len(all)).Msg("listed customers")
	return all, nil
}

func (s *SquareConnector) searchByEmail(ctx context.Context, email string) ([]squareCustomer, error) {
	body := map[string]any{
		"limit": squarePageSize,
		"query": map[string]any{
			"filter": map[string]any{
				"email_address": map[string]string{"exact": email},
			},
		},
	}
	var all []squareCustomer
	for {
		var page squareListResponse
		if err := s.client.DoJSON(ctx, "search customers", http.MethodPost, "/v2/customers/search", body, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Customers...)
		if page.Cursor == "" {
			return all, nil
		}
		body["cursor"] = page.Cursor
	}
}

func convertCustomers(customers []squareCustomer) []models.Contact {
	out := make([]models.Contact, 0, len(customers))
	for _, cust := range customers {
		c := customerToContact(cust)
		if len(c.Emails) == 0 && len(c.Phones) == 0 && c.FullName() == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

func customerToContact(cust squareCustomer) models.Contact {
	c := models.Contact{
		FirstName: cust.GivenName,
		LastName:  cust.FamilyName,
		Company:   cust.CompanyName,
		Notes:     cust.Note,
		SourceIDs: map[models.Source]string{models.SourcePOS: cust.ID},
	}
	if cust.EmailAddress != "" {
		c.Emails = []string{cust.EmailAddress}
	}
	if cust.PhoneNumber != "" {
		c.Phones = []string{cust.PhoneNumber}
	}
	if a := cust.Address; a != nil {
		c.Addresses = []models.Address{{
			Street:   a.AddressLine1,
			Suburb:   a.Locality,
			State:    a.District,
			Postcode: a.PostalCode,
			Country:  a.Country,
		}}
	}
	if at := parseSquareTime(cust.UpdatedAt, cust.CreatedAt); !at.IsZero() {
		c.SourceTimestamps = map[models.Source]time.Time{models.SourcePOS: at}
	}
	return models.Normalize(c)
}

func contactToCustomer(c models.Contact) squareCustomer {
	cust := squareCustomer{
		GivenName:    c.FirstName,
		FamilyName:   c.LastName,
		EmailAddress: c.PrimaryEmail(),
		PhoneNumber:  c.PrimaryPhone(),
		CompanyName:  c.Company,
		Note:         c.Notes,
	}
	if len(c.Addresses) > 0 {
		a := c.Addresses[0]
		cust.Address = &squareAddress{
			AddressLine1: a.Street,
			Locality:     a.Suburb,
			District:     a.State,
			PostalCode:   a.Postcode,
			Country:      a.Country,
		}
	}
	return cust
}

func parseSquareTime(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}

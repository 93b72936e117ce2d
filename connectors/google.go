// ABOUTME: Directory connector for Google Contacts via the People API
// ABOUTME: Incremental fetch with sync tokens, email search, etag-checked updates and creates
package connectors

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"

	cerrors "github.com/harperreed/contactsync/errors"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/transport"
)

const (
	personFields       = "names,emailAddresses,phoneNumbers,organizations,addresses,biographies,metadata"
	updatePersonFields = "names,emailAddresses,phoneNumbers,organizations,addresses,biographies"
	connectionsPage    = 1000
)

// GoogleOptions configures the directory connector.
type GoogleOptions struct {
	OAuth  *oauth2.Config
	Tokens TokenStore
	// Endpoint overrides the People API base URL.
	Endpoint string
	// HTTPClient, when set, is used as-is instead of an OAuth client.
	HTTPClient *http.Client
	Retry      transport.Policy
}

// GoogleConnector talks to the People API.
type GoogleConnector struct {
	opts    GoogleOptions
	baseCtx context.Context
	logger  zerolog.Logger

	mu  sync.Mutex
	svc *people.Service
}

// NewGoogleConnector creates the directory source. ctx must outlive the
// connector; it carries token refreshes.
func NewGoogleConnector(ctx context.Context, opts GoogleOptions, logger zerolog.Logger) *GoogleConnector {
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = transport.DefaultPolicy()
	}
	return &GoogleConnector{
		opts:    opts,
		baseCtx: context.WithoutCancel(ctx),
		logger:  logger.With().Str("source", string(models.SourceDirectory)).Logger(),
	}
}

func (g *GoogleConnector) Name() models.Source { return models.SourceDirectory }

func (g *GoogleConnector) SupportsIncrementalFetch() bool { return true }

// Reauthenticate reloads the stored token and forces a refresh.
func (g *GoogleConnector) Reauthenticate(ctx context.Context) error {
	svc, err := g.newService(true)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.svc = svc
	g.mu.Unlock()
	g.logger.Info().Msg("reauthenticated")
	return nil
}

func (g *GoogleConnector) service() (*people.Service, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.svc != nil {
		return g.svc, nil
	}
	svc, err := g.newService(false)
	if err != nil {
		return nil, err
	}
	g.svc = svc
	return svc, nil
}

func (g *GoogleConnector) newService(force bool) (*people.Service, error) {
	client := g.opts.HTTPClient
	if client == nil {
		if g.opts.OAuth == nil {
			return nil, cerrors.NewSourceError(string(models.SourceDirectory), "auth", cerrors.KindAuthExpired, errors.New("google OAuth credentials not configured"))
		}
		tok, err := g.opts.Tokens.Load()
		if err != nil {
			return nil, cerrors.NewSourceError(string(models.SourceDirectory), "auth", cerrors.KindAuthExpired, err)
		}
		if force {
			tok.Expiry = time.Now().Add(-time.Minute)
		}
		ts := &savingTokenSource{
			base:  g.opts.OAuth.TokenSource(g.baseCtx, tok),
			store: g.opts.Tokens,
			last:  tok.AccessToken,
		}
		reuse := oauth2.ReuseTokenSource(nil, ts)
		if force {
			if _, err := reuse.Token(); err != nil {
				return nil, cerrors.NewSourceError(string(models.SourceDirectory), "auth", cerrors.KindAuthExpired, err)
			}
		}
		client = oauth2.NewClient(g.baseCtx, reuse)
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.opts.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(g.opts.Endpoint))
	}
	svc, err := people.NewService(g.baseCtx, opts...)
	if err != nil {
		return nil, cerrors.NewSourceError(string(models.SourceDirectory), "auth", cerrors.KindAuthExpired, err)
	}
	return svc, nil
}

// FetchContacts lists connections, incrementally when req carries a sync token.
func (g *GoogleConnector) FetchContacts(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	if !req.FullSync() {
		return g.fetchScoped(ctx, svc, req.MergeKey)
	}

	res, err := g.listConnections(ctx, svc, req.ChangeToken)
	var ge *googleapi.Error
	if req.ChangeToken != "" && errors.As(err, &ge) && expiredSyncToken(ge) {
		g.logger.Info().Msg("sync token expired, falling back to a full fetch")
		res, err = g.listConnections(ctx, svc, "")
	}
	if err != nil {
		return nil, classifyGoogle("list connections", err)
	}
	return res, nil
}

func (g *GoogleConnector) listConnections(ctx context.Context, svc *people.Service, syncToken string) (*FetchResult, error) {
	res := &FetchResult{Incremental: syncToken != ""}
	pageToken := ""
	for {
		call := svc.People.Connections.List("people/me").
			PageSize(connectionsPage).
			PersonFields(personFields).
			RequestSyncToken(true)
		if syncToken != "" {
			call = call.SyncToken(syncToken)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *people.ListConnectionsResponse
		err := transport.Retry(ctx, g.opts.Retry, g.logger, func(ctx context.Context) error {
			var err error
			resp, err = call.Context(ctx).Do()
			if err != nil {
				var ge *googleapi.Error
				if errors.As(err, &ge) && expiredSyncToken(ge) {
					return err
				}
				return classifyGoogle("list connections", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for _, p := range resp.Connections {
			if p.Metadata != nil && p.Metadata.Deleted {
				res.Deleted = append(res.Deleted, p.ResourceName)
				continue
			}
			if c, ok := personToContact(p); ok {
				res.Contacts = append(res.Contacts, c)
			}
		}

		if resp.NextPageToken == "" {
			res.NextToken = resp.NextSyncToken
			break
		}
		pageToken = resp.NextPageToken
	}
	g.logger.Debug().Int("contacts", len(res.Contacts)).Int("deleted", len(res.Deleted)).Bool("incremental", res.Incremental).Msg("listed connections")
	return res, nil
}

func (g *GoogleConnector) fetchScoped(ctx context.Context, svc *people.Service, key string) (*FetchResult, error) {
	if models.IsKeylessKey(key) {
		prefix := models.KeylessKey(models.SourceDirectory, "")
		if !strings.HasPrefix(key, prefix) {
			return &FetchResult{}, nil
		}
		name := strings.TrimPrefix(key, prefix)
		c, err := g.fetchPerson(ctx, svc, name)
		if cerrors.Is(err, cerrors.ErrNotFound) {
			return &FetchResult{Deleted: []string{name}}, nil
		}
		if err != nil {
			return nil, err
		}
		return &FetchResult{Contacts: []models.Contact{*c}}, nil
	}

	var resp *people.SearchResponse
	err := transport.Retry(ctx, g.opts.Retry, g.logger, func(ctx context.Context) error {
		var err error
		resp, err = svc.People.SearchContacts().Query(key).ReadMask(personFields).Context(ctx).Do()
		return classifyGoogle("search contacts", err)
	})
	if err != nil {
		return nil, err
	}

	res := &FetchResult{}
	for _, r := range resp.Results {
		if r.Person == nil {
			continue
		}
		c, ok := personToContact(r.Person)
		if ok && models.MergeKey(c) == key {
			res.Contacts = append(res.Contacts, c)
		}
	}
	return res, nil
}

// FetchByNativeID loads one person by resource name.
func (g *GoogleConnector) FetchByNativeID(ctx context.Context, nativeID string) (*models.Contact, error) {
	svc, err := g.service()
	if err != nil {
		return nil, err
	}
	return g.fetchPerson(ctx, svc, nativeID)
}

func (g *GoogleConnector) fetchPerson(ctx context.Context, svc *people.Service, name string) (*models.Contact, error) {
	var p *people.Person
	err := transport.Retry(ctx, g.opts.Retry, g.logger, func(ctx context.Context) error {
		var err error
		p, err = svc.People.Get(name).PersonFields(personFields).Context(ctx).Do()
		return classifyGoogle("get person", err)
	})
	if err != nil {
		return nil, err
	}
	c, _ := personToContact(p)
	return &c, nil
}

// PushContact updates the mapped person, fetching its etag first, or creates one.
func (g *GoogleConnector) PushContact(ctx context.Context, c models.Contact) (string, error) {
	svc, err := g.service()
	if err != nil {
		return "", err
	}
	person := contactToPerson(g.Project(c))

	if name := c.SourceIDs[models.SourceDirectory]; name != "" {
		err := transport.Retry(ctx, g.opts.Retry, g.logger, func(ctx context.Context) error {
			current, err := svc.People.Get(name).PersonFields("names").Context(ctx).Do()
			if err != nil {
				return classifyGoogle("get person", err)
			}
			person.Etag = current.Etag
			_, err = svc.People.UpdateContact(name, person).UpdatePersonFields(updatePersonFields).Context(ctx).Do()
			return classifyGoogle("update contact", err)
		})
		if err != nil {
			return "", err
		}
		return name, nil
	}

	var created *people.Person
	err = transport.Retry(ctx, g.opts.Retry, g.logger, func(ctx context.Context) error {
		var err error
		created, err = svc.People.CreateContact(person).PersonFields("names").Context(ctx).Do()
		return classifyGoogle("create contact", err)
	})
	if err != nil {
		return "", err
	}
	g.logger.Debug().Str("native_id", created.ResourceName).Msg("created contact")
	return created.ResourceName, nil
}

// Project drops fields People does not model.
func (g *GoogleConnector) Project(c models.Contact) models.Contact {
	return models.Normalize(models.Contact{
		Emails:    c.Emails,
		Phones:    c.Phones,
		Addresses: c.Addresses,
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Company:   c.Company,
		Notes:     c.Notes,
	})
}

func expiredSyncToken(ge *googleapi.Error) bool {
	if ge.Code == http.StatusGone {
		return true
	}
	return ge.Code == http.StatusBadRequest && strings.Contains(strings.ToUpper(ge.Message+ge.Body), "EXPIRED_SYNC_TOKEN")
}

// classifyGoogle maps People API and token failures onto error kinds.
func classifyGoogle(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se *cerrors.SourceError
	if errors.As(err, &se) {
		return err
	}
	source := string(models.SourceDirectory)

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return cerrors.NewSourceError(source, op, cerrors.KindAuthExpired, err)
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		se = &cerrors.SourceError{Source: source, Op: op, Kind: cerrors.FromStatus(ge.Code), StatusCode: ge.Code, Err: err}
		if d, ok := transport.ParseRetryAfter(ge.Header.Get("Retry-After"), time.Now()); ok {
			se.RetryAfter = d
		}
		return se
	}

	return cerrors.NewSourceError(source, op, cerrors.KindTransientNetwork, err)
}

func personToContact(p *people.Person) (models.Contact, bool) {
	c := models.Contact{
		SourceIDs: map[models.Source]string{models.SourceDirectory: p.ResourceName},
	}
	if len(p.Names) > 0 && p.Names[0] != nil {
		c.FirstName = p.Names[0].GivenName
		c.LastName = p.Names[0].FamilyName
	}

	// primary email first so it becomes the merge key
	for _, e := range p.EmailAddresses {
		if e == nil || e.Value == "" {
			continue
		}
		if e.Metadata != nil && e.Metadata.Primary {
			c.Emails = append([]string{e.Value}, c.Emails...)
		} else {
			c.Emails = append(c.Emails, e.Value)
		}
	}
	for _, ph := range p.PhoneNumbers {
		if ph == nil || ph.Value == "" {
			continue
		}
		if ph.Metadata != nil && ph.Metadata.Primary {
			c.Phones = append([]string{ph.Value}, c.Phones...)
		} else {
			c.Phones = append(c.Phones, ph.Value)
		}
	}
	if len(p.Organizations) > 0 && p.Organizations[0] != nil {
		c.Company = p.Organizations[0].Name
	}
	for _, a := range p.Addresses {
		if a == nil {
			continue
		}
		country := a.CountryCode
		if country == "" {
			country = a.Country
		}
		c.Addresses = append(c.Addresses, models.Address{
			Street:   a.StreetAddress,
			Suburb:   a.City,
			State:    a.Region,
			Postcode: a.PostalCode,
			Country:  country,
		})
	}
	if len(p.Biographies) > 0 && p.Biographies[0] != nil {
		c.Notes = p.Biographies[0].Value
	}
	if at := personUpdated(p); !at.IsZero() {
		c.SourceTimestamps = map[models.Source]time.Time{models.SourceDirectory: at}
	}

	c = models.Normalize(c)
	return c, len(c.Emails) > 0 || len(c.Phones) > 0 || c.FullName() != ""
}

func personUpdated(p *people.Person) time.Time {
	var latest time.Time
	if p.Metadata == nil {
		return latest
	}
	for _, s := range p.Metadata.Sources {
		if s == nil || s.UpdateTime == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, s.UpdateTime)
		if err == nil && t.After(latest) {
			latest = t.UTC()
		}
	}
	return latest
}

func contactToPerson(c models.Contact) *people.Person {
	p := &people.Person{}
	if c.FirstName != "" || c.LastName != "" {
		p.Names = []*people.Name{{GivenName: c.FirstName, FamilyName: c.LastName}}
	}
	for _, e := range c.Emails {
		p.EmailAddresses = append(p.EmailAddresses, &people.EmailAddress{Value: e})
	}
	for _, ph := range c.Phones {
		p.PhoneNumbers = append(p.PhoneNumbers, &people.PhoneNumber{Value: ph})
	}
	if c.Company != "" {
		p.Organizations = []*people.Organization{{Name: c.Company}}
	}
	for _, a := range c.Addresses {
		p.Addresses = append(p.Addresses, &people.Address{
			StreetAddress: a.Street,
			City:          a.Suburb,
			Region:        a.State,
			PostalCode:    a.Postcode,
			CountryCode:   a.Country,
		})
	}
	if c.Notes != "" {
		p.Biographies = []*people.Biography{{Value: c.Notes, ContentType: "TEXT_PLAIN"}}
	}
	return p
}

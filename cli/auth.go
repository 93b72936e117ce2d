// ABOUTME: auth google command: browser OAuth flow for the Google People API
// ABOUTME: Serves a one-shot callback on the redirect address and stores the token
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/transport"
)

func newAuthCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize access to a source",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "google",
		Short: "Authorize Google Contacts through the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.authGoogle(cmd.Context(), cmd)
		},
	})
	return cmd
}

func (a *app) oauthConfig() *oauth2.Config {
	g := a.cfg.Google
	return connectors.NewOAuthConfig(g.ClientID, g.ClientSecret, g.RedirectAddr)
}

func (a *app) authGoogle(ctx context.Context, cmd *cobra.Command) error {
	g := a.cfg.Google
	if g.ClientID == "" || g.ClientSecret == "" {
		return errors.New("google.client_id and google.client_secret must be set (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET)")
	}
	cfg := a.oauthConfig()
	state := ulid.Make().String()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tokens := make(chan *oauth2.Token, 1)
	errc := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		code := q.Get("code")
		if code == "" {
			report(errc, fmt.Errorf("no authorization code received: %s", q.Get("error")))
			http.Error(w, "no authorization code", http.StatusBadRequest)
			return
		}
		token, err := cfg.Exchange(r.Context(), code)
		if err != nil {
			report(errc, fmt.Errorf("failed to exchange code: %w", err))
			http.Error(w, "token exchange failed", http.StatusBadGateway)
			return
		}
		report(tokens, token)
		_, _ = fmt.Fprintln(w, "Authorization successful! You can close this window.")
	})

	done := make(chan error, 1)
	go func() {
		done <- transport.Serve(ctx, transport.NewServer(g.RedirectAddr, mux), a.logger.With().Str("component", "oauth").Logger())
	}()

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, "Opening browser for Google OAuth...")
	_, _ = fmt.Fprintf(out, "\nIf the browser doesn't open, visit this URL:\n%s\n\n", authURL)
	_ = openBrowser(authURL)

	var flowErr error
	select {
	case token := <-tokens:
		if err := (connectors.TokenStore{Path: g.TokenFile}).Save(token); err != nil {
			flowErr = fmt.Errorf("failed to save token: %w", err)
			break
		}
		_, _ = fmt.Fprintf(out, "%s Authenticated successfully\n", okStyle.Render("✓"))
		_, _ = fmt.Fprintf(out, "%s Token saved to %s\n", okStyle.Render("✓"), g.TokenFile)
	case err := <-errc:
		flowErr = fmt.Errorf("OAuth flow failed: %w", err)
	case err := <-done:
		if err == nil {
			err = errors.New("callback server exited")
		}
		return err
	case <-ctx.Done():
		flowErr = ctx.Err()
	}

	cancel()
	if err := <-done; err != nil && flowErr == nil {
		flowErr = err
	}
	return flowErr
}

// report delivers v unless a result is already waiting.
func report[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// openBrowser attempts to open url in the default browser.
func openBrowser(url string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name, args = "open", []string{url}
	case "windows":
		name, args = "cmd", []string{"/c", "start", url}
	default:
		name, args = "xdg-open", []string{url}
	}
	return exec.Command(name, args...).Start()
}

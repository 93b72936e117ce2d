// ABOUTME: Long-running servers: webhook listener, form intake, and the combined service
// ABOUTME: serve runs the scheduler, the trigger consumer and both HTTP surfaces on one listener
package cli

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/reconcile"
	"github.com/harperreed/contactsync/transport"
	"github.com/harperreed/contactsync/web"
	"github.com/harperreed/contactsync/webhook"
)

// triggerBuffer is how many triggers may wait for the engine.
const triggerBuffer = 64

func newServeWebhookCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-webhook",
		Short: "Listen for upstream change notifications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Webhook.Addr
			}
			return a.runService(cmd.Context(), func(g *errgroup.Group, ctx context.Context, svc *service) {
				g.Go(func() error { return svc.hooks.ListenAndServe(ctx, addr) })
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default webhook.addr)")
	return cmd
}

func newServeFormCommand(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve-form",
		Short: "Accept local form submissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Form.Addr
			}
			return a.runService(cmd.Context(), func(g *errgroup.Group, ctx context.Context, svc *service) {
				g.Go(func() error { return svc.form.ListenAndServe(ctx, addr) })
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default form.addr)")
	return cmd
}

func newServeCommand(a *app) *cobra.Command {
	var addr string
	var immediate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled syncs, the webhook listener and form intake together",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Webhook.Addr
			}
			return a.runService(cmd.Context(), func(g *errgroup.Group, ctx context.Context, svc *service) {
				mux := http.NewServeMux()
				svc.hooks.Register(mux)
				svc.form.Register(mux)
				mux.HandleFunc("GET /health", transport.HandleHealth)

				sched := reconcile.Scheduler{Interval: a.cfg.Sync.Interval, Immediate: immediate}
				g.Go(func() error {
					sched.Run(ctx, svc.triggers)
					return nil
				})
				g.Go(func() error {
					svc.hooks.Run(ctx)
					return nil
				})
				g.Go(func() error {
					return transport.Serve(ctx, transport.NewServer(addr, mux), a.logger.With().Str("component", "server").Logger())
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default webhook.addr)")
	cmd.Flags().BoolVar(&immediate, "sync-now", true, "run a full sync at startup")
	return cmd
}

// service is everything a server command runs.
type service struct {
	store    *db.Store
	engine   *reconcile.Engine
	triggers chan reconcile.Trigger
	hooks    *webhook.Server
	form     *web.Server
	dedupe   webhook.Deduper
}

// runService builds the engine and both servers, starts the trigger
// consumer, lets extra add the command's own goroutines and waits for them.
func (a *app) runService(ctx context.Context, extra func(g *errgroup.Group, ctx context.Context, svc *service)) error {
	engine, store, err := a.engine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	dedupe, err := a.deduper()
	if err != nil {
		return err
	}
	defer func() { _ = dedupe.Close() }()

	svc := &service{
		store:    store,
		engine:   engine,
		triggers: make(chan reconcile.Trigger, triggerBuffer),
		dedupe:   dedupe,
	}
	svc.hooks = webhook.NewServer(engine, webhook.Options{
		Verifiers:  a.verifiers(),
		Deduper:    dedupe,
		QueueSize:  a.cfg.Webhook.QueueSize,
		Workers:    a.cfg.Webhook.Workers,
		AckTimeout: a.cfg.Webhook.AckTimeout,
		Triggers:   svc.triggers,
	}, a.logger)
	svc.form = web.NewServer(store, a.cfg.WebForm.Defaults(), svc.triggers, a.cfg.Webhook.AckTimeout, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Start(gctx, svc.triggers) })
	extra(g, gctx, svc)
	return g.Wait()
}

func (a *app) deduper() (webhook.Deduper, error) {
	w := a.cfg.Webhook
	if w.DedupeStore == "badger" {
		return webhook.OpenBadgerDeduper(w.BadgerDir, w.DedupeWindow)
	}
	return webhook.NewMemoryDeduper(w.DedupeWindow), nil
}

func (a *app) verifiers() map[models.Source]webhook.Verifier {
	out := map[models.Source]webhook.Verifier{}
	sq := a.cfg.Square
	if !sq.Enabled {
		return out
	}
	if sq.SignatureKey == "" || sq.WebhookURL == "" {
		a.logger.Warn().Msg("square.signature_key or square.webhook_url not set, accepting unsigned notifications")
		out[models.SourcePOS] = webhook.Unverified{}
		return out
	}
	out[models.SourcePOS] = webhook.SquareVerifier{Key: sq.SignatureKey, URL: sq.WebhookURL}
	return out
}

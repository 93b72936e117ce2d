// ABOUTME: Root cobra command and shared wiring for every subcommand
// ABOUTME: Loads config and logging once, then builds the store, connectors and engine on demand
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/harperreed/contactsync/config"
	"github.com/harperreed/contactsync/connectors"
	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/logging"
	"github.com/harperreed/contactsync/reconcile"
	"github.com/harperreed/contactsync/transport"
)

// app carries state shared by subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  zerolog.Logger
}

// NewRootCommand builds the command tree.
func NewRootCommand(version string) *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "contactsync",
		Short:         "Reconcile contacts across Square, Google Contacts and a local web form",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/contactsync/config.yaml)")
	flags.String("db-path", "", "database path (default: $XDG_DATA_HOME/contactsync/contactsync.db)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: json or console (default: auto)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	_ = a.v.BindPFlag("db_path", flags.Lookup("db-path"))
	_ = a.v.BindPFlag("log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("log_format", flags.Lookup("log-format"))

	root.AddCommand(
		newSyncCommand(a),
		newStatsCommand(a),
		newExportCommand(a),
		newImportCommand(a),
		newServeWebhookCommand(a),
		newServeFormCommand(a),
		newServeCommand(a),
		newAuthCommand(a),
	)
	return root
}

func (a *app) load() error {
	config.LoadEnvFiles()
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	level := cfg.LogLevel
	if a.verbose {
		level = "debug"
	}
	a.logger = logging.Setup(logging.Config{Level: level, Format: cfg.LogFormat})
	a.logger.Debug().Str("config", cfg.ConfigFile).Str("db", cfg.DBPath).Msg("configuration loaded")
	return nil
}

// openStore opens the configured database.
func (a *app) openStore() (*db.Store, error) {
	store, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", a.cfg.DBPath, err)
	}
	return store, nil
}

// registry builds the enabled connectors.
func (a *app) registry(ctx context.Context, store *db.Store) (*connectors.Registry, error) {
	cfg := a.cfg
	retry := transport.DefaultPolicy()
	retry.MaxAttempts = cfg.Sync.MaxAttempts

	reg := connectors.NewRegistry(cfg.Sync.Priority)
	if cfg.Square.Enabled {
		reg.Register(connectors.NewSquareConnector(connectors.SquareOptions{
			AccessToken: cfg.Square.AccessToken,
			BaseURL:     cfg.Square.BaseURL,
			Version:     cfg.Square.Version,
			Retry:       retry,
		}, a.logger))
	}
	if cfg.Google.Enabled {
		if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
			return nil, fmt.Errorf("google.enabled requires google.client_id and google.client_secret")
		}
		reg.Register(connectors.NewGoogleConnector(ctx, connectors.GoogleOptions{
			OAuth:    a.oauthConfig(),
			Tokens:   connectors.TokenStore{Path: cfg.Google.TokenFile},
			Endpoint: cfg.Google.Endpoint,
			Retry:    retry,
		}, a.logger))
	}
	if cfg.WebForm.Enabled {
		reg.Register(connectors.NewFormConnector(store, cfg.WebForm.Defaults()))
	}
	if reg.Len() == 0 {
		a.logger.Warn().Msg("no sources enabled")
	}
	return reg, nil
}

// engine opens the store and builds an engine over every enabled source.
// The caller closes the returned store.
func (a *app) engine(ctx context.Context) (*reconcile.Engine, *db.Store, error) {
	store, err := a.openStore()
	if err != nil {
		return nil, nil, err
	}
	reg, err := a.registry(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	engine := reconcile.NewEngine(store, reg, reconcile.Options{
		Priority:         a.cfg.Sync.Priority,
		CycleBudget:      a.cfg.Sync.CycleBudget,
		RateLimitBackoff: a.cfg.Sync.RateLimitBackoff,
		PushConcurrency:  a.cfg.Sync.PushConcurrency,
	}, a.logger)
	return engine, store, nil
}

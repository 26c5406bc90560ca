// Command throne is the visitor-side client: it walks a visitor through
// onboarding and runs the companion chat against a Throne backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/thronecompanions/throne/internal/backend"
	"github.com/thronecompanions/throne/internal/chat"
	"github.com/thronecompanions/throne/internal/companion"
	"github.com/thronecompanions/throne/internal/compliance"
	"github.com/thronecompanions/throne/internal/config"
	"github.com/thronecompanions/throne/internal/entitlement"
	"github.com/thronecompanions/throne/internal/kv"
	"github.com/thronecompanions/throne/internal/onboarding"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	server   string
	state    string
	email    string
	lang     string
	logLevel string
	ws       bool
}

func newRootCmd() *cobra.Command {
	defaults, err := config.LoadClient()
	if err != nil {
		defaults = &config.Client{Server: "http://localhost:8080", State: "./throne-state.db"}
	}
	o := &rootOptions{}

	root := &cobra.Command{
		Use:   "throne",
		Short: "Meet and chat with your Throne companion",
		Long: `throne walks you through onboarding (age verification, terms, content
policy, companion and tier choice) and then opens a chat with your companion.

Progress is kept in a local state file so every command resumes where you
left off.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&o.server, "server", defaults.Server, "Throne backend URL")
	flags.StringVar(&o.state, "state", defaults.State, "path of the local state file")
	flags.StringVar(&o.email, "email", defaults.Email, "email used to obtain a credential")
	flags.StringVar(&o.lang, "lang", "en", "language for validation messages")
	flags.StringVar(&o.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.BoolVar(&o.ws, "ws", false, "send chat messages over a WebSocket")

	root.AddCommand(
		newOnboardCmd(o),
		newChatCmd(o),
		newStatusCmd(o),
		newUpgradeCmd(o),
		newConfirmCmd(o),
		newResetCmd(o),
		newMetricsCmd(o),
	)
	return root
}

// app holds the collaborators shared by every command.
type app struct {
	logger *slog.Logger
	lang   language.Tag
	state  *kv.SQLite
	client *backend.Client
	ws     *backend.WSTransport
}

func openApp(ctx context.Context, cmd *cobra.Command, o *rootOptions) (*app, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	lang, err := language.Parse(o.lang)
	if err != nil {
		return nil, fmt.Errorf("invalid language %q: %w", o.lang, err)
	}

	state, err := kv.NewSQLite(o.state)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	a := &app{
		logger: logger,
		lang:   lang,
		state:  state,
		client: backend.New(ctx, o.server, state, backend.WithLogger(logger)),
	}
	if o.ws {
		a.ws = backend.NewWSTransport(a.client)
	}
	return a, nil
}

func (a *app) Close() {
	if a.ws != nil {
		if err := a.ws.Close(); err != nil {
			a.logger.Debug("Failed to close chat socket", "error", err)
		}
	}
	if err := a.state.Close(); err != nil {
		a.logger.Warn("Failed to close state", "error", err)
	}
}

func (a *app) sender() chat.Sender {
	if a.ws != nil {
		return a.ws
	}
	return a.client
}

func (a *app) gate(ctx context.Context) *compliance.Gate {
	return compliance.NewGate(ctx, a.state,
		compliance.WithLogger(a.logger),
		compliance.WithLanguage(a.lang),
	)
}

func (a *app) controller(ctx context.Context, gate *compliance.Gate) *onboarding.Controller {
	return onboarding.New(ctx, a.state, gate,
		onboarding.WithLogger(a.logger),
		onboarding.WithDirectory(directory{remote: a.client}),
		onboarding.WithProfileUpdater(a.client),
		onboarding.WithTracker(a.client),
	)
}

// activeTier prefers the backend's view, then the locally remembered tier,
// then the tier chosen during onboarding.
func (a *app) activeTier(ctx context.Context, chosen entitlement.TierID) entitlement.TierID {
	if me, err := a.client.Me(ctx, ""); err == nil && me.Tier != "" {
		return me.Tier
	} else if err != nil {
		a.logger.Debug("Backend profile unavailable", "error", err)
	}
	if raw, err := a.state.Get(ctx, kv.KeyActiveTier); err == nil {
		if id, err := entitlement.Parse(string(raw)); err == nil {
			return id
		}
	}
	if chosen != "" {
		return chosen
	}
	return entitlement.Novice
}

func (a *app) rememberTier(ctx context.Context, id entitlement.TierID) {
	if err := a.state.Set(ctx, kv.KeyActiveTier, []byte(id)); err != nil {
		a.logger.Warn("Failed to remember active tier", "tier", string(id), "error", err)
	}
}

// directory resolves companions through the backend and falls back to the
// built-in list when the backend cannot be reached.
type directory struct {
	remote *backend.Client
}

func (d directory) GetCompanion(ctx context.Context, id string) (companion.Companion, error) {
	c, err := d.remote.GetCompanion(ctx, id)
	if errors.Is(err, backend.ErrUnavailable) {
		return companion.Get(id)
	}
	return c, err
}

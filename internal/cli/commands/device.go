package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cafjs/iotcli/internal/channel"
	"github.com/cafjs/iotcli/internal/config"
	"github.com/cafjs/iotcli/internal/timesync"
)

// loadConfig loads and validates the active configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			fmt.Fprintln(cmd.ErrOrStderr(), "❌ No iotcli config found.")
			fmt.Fprintf(cmd.ErrOrStderr(), "   Create %s or set IOTCLI_SYNC_URL / IOTCLI_CA_URL.\n", config.ConfigPath())
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the root logger. Logs go to stderr so that command
// output on stdout stays machine readable.
func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) zerolog.Logger {
	var w io.Writer = cmd.ErrOrStderr()
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	return logger.Level(level)
}

func newEstimator(cfg *config.Config, logger zerolog.Logger) *timesync.Estimator {
	return timesync.New(timesync.Options{
		Smooth: cfg.Clock.Smooth,
		MaxRTT: cfg.Clock.MaxRTT(),
		Logger: logger,
	})
}

// channelOptions maps the CA settings onto a channel.
func channelOptions(cfg *config.Config, observer channel.Observer, logger zerolog.Logger) channel.Options {
	opts := channel.Options{
		URL:          cfg.CA.URL,
		Proxy:        cfg.CA.Proxy,
		MaxRetries:   cfg.CA.MaxRetries,
		RetryTimeout: cfg.CA.RetryTimeout(),
		Logger:       logger,
	}
	if observer != nil {
		opts.Observer = observer
	}
	return opts
}

// tokenSource hands out the current session token. When the CA rejects it,
// the config is read again in case the token was rotated on disk.
type tokenSource struct {
	mu     sync.Mutex
	token  string
	reload func() (*config.Config, error)
	logger zerolog.Logger
}

func newTokenSource(token string, logger zerolog.Logger) *tokenSource {
	return &tokenSource{token: token, reload: config.Load, logger: logger}
}

func (s *tokenSource) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// OnBadToken implements channel.Listener.
func (s *tokenSource) OnBadToken(stale string) {
	cfg, err := s.reload()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Cannot reload config to refresh token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Session.Token == stale || cfg.Session.Token == s.token {
		s.logger.Warn().Msg("CA rejected the session token and no new token is configured")
		return
	}
	s.token = cfg.Session.Token
	s.logger.Info().Msg("Session token refreshed")
}

// OnDisabled implements channel.Listener.
func (s *tokenSource) OnDisabled(error) {}

// session builds the call descriptor for method.
func (s *tokenSource) session(cfg *config.Config, method string, args []any) *channel.Session {
	return &channel.Session{
		Token:     s.Token,
		To:        cfg.Session.To,
		From:      cfg.Session.From,
		SessionID: cfg.Session.SessionID,
		Method:    method,
		Args:      args,
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

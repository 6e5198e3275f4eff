// Package device provides the default hooks run by the main loop: sensor
// readings and a registry of commands the CA can send.
package device

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/cafjs/iotcli/internal/mainloop"
)

// Handler runs one kind of command.
type Handler interface {
	// Name is the command name used by the CA.
	Name() string

	// Execute runs the command. in holds the CA values (read only), out the
	// values the device sends back.
	Execute(ctx context.Context, args []any, in, out map[string]any) (any, error)
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc struct {
	Cmd string
	Fn  func(ctx context.Context, args []any, in, out map[string]any) (any, error)
}

func (h HandlerFunc) Name() string { return h.Cmd }

func (h HandlerFunc) Execute(ctx context.Context, args []any, in, out map[string]any) (any, error) {
	return h.Fn(ctx, args, in, out)
}

// Result is the response recorded for a command.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OK creates a successful result.
func OK(data any) *Result {
	return &Result{Success: true, Data: data}
}

// ErrText creates an error result with message.
func ErrText(msg string) *Result {
	return &Result{Success: false, Error: msg}
}

// Command is a decoded CA command. The CA sends either a bare name or an
// object {"name": ..., "args": [...]}.
type Command struct {
	Name string `mapstructure:"name"`
	Args []any  `mapstructure:"args"`
}

// ParseCommand decodes a raw command from the CA command queue.
func ParseCommand(raw any) (Command, error) {
	if name, ok := raw.(string); ok {
		return Command{Name: name}, nil
	}
	var cmd Command
	if err := mapstructure.Decode(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("bad command: %w", err)
	}
	if cmd.Name == "" {
		return Command{}, fmt.Errorf("bad command: missing name")
	}
	return cmd, nil
}

// Clock is the device's notion of the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Registry holds the commands a device understands.
type Registry struct {
	handlers map[string]Handler
	clock    Clock
	started  time.Time
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. A nil clock uses the local time.
func NewRegistry(clock Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = systemClock{}
	}
	return &Registry{
		handlers: make(map[string]Handler),
		clock:    clock,
		started:  time.Now(),
		logger:   logger.With().Str("component", "device").Logger(),
	}
}

// Register adds a handler, replacing any with the same name.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Get retrieves a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadSensors reports the device clock and uptime.
func (r *Registry) ReadSensors(_ context.Context, out map[string]any) error {
	now := r.clock.Now()
	out["time"] = now.UnixMilli()
	out["uptimeMs"] = time.Since(r.started).Milliseconds()
	return nil
}

// ExecuteCommand runs a CA command. Bad or failing commands are answered
// with an error result so that the loop keeps running.
func (r *Registry) ExecuteCommand(ctx context.Context, raw any, in, out map[string]any) (any, error) {
	cmd, err := ParseCommand(raw)
	if err != nil {
		r.logger.Warn().Err(err).Interface("command", raw).Msg("Ignoring command")
		return ErrText(err.Error()), nil
	}
	h, ok := r.handlers[cmd.Name]
	if !ok {
		r.logger.Warn().Str("command", cmd.Name).Msg("Unknown command")
		return ErrText("unknown command: " + cmd.Name), nil
	}

	r.logger.Debug().Str("command", cmd.Name).Int("args", len(cmd.Args)).Msg("Executing command")
	data, err := h.Execute(ctx, cmd.Args, in, out)
	if err != nil {
		r.logger.Warn().Err(err).Str("command", cmd.Name).Msg("Command failed")
		return ErrText(err.Error()), nil
	}
	return OK(data), nil
}

// Hooks returns main loop hooks backed by the registry.
func (r *Registry) Hooks() mainloop.Hooks {
	return mainloop.Hooks{
		ReadSensors:    r.ReadSensors,
		ExecuteCommand: r.ExecuteCommand,
	}
}

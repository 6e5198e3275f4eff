package device

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// NewDefaultRegistry creates a registry with the standard commands.
func NewDefaultRegistry(clock Clock, logger zerolog.Logger) *Registry {
	r := NewRegistry(clock, logger)

	r.Register(HandlerFunc{Cmd: "ping", Fn: func(context.Context, []any, map[string]any, map[string]any) (any, error) {
		return "pong", nil
	}})

	r.Register(HandlerFunc{Cmd: "echo", Fn: func(_ context.Context, args []any, _, _ map[string]any) (any, error) {
		return args, nil
	}})

	r.Register(HandlerFunc{Cmd: "time", Fn: func(context.Context, []any, map[string]any, map[string]any) (any, error) {
		return r.clock.Now().UnixMilli(), nil
	}})

	// set <key> <value> publishes a value in the device map.
	r.Register(HandlerFunc{Cmd: "set", Fn: func(_ context.Context, args []any, _, out map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("set: want 2 arguments, got %d", len(args))
		}
		key, ok := args[0].(string)
		if !ok || key == "" || key == "commands" {
			return nil, fmt.Errorf("set: invalid key %v", args[0])
		}
		out[key] = args[1]
		return true, nil
	}})

	// get <key> reads a value the CA published.
	r.Register(HandlerFunc{Cmd: "get", Fn: func(_ context.Context, args []any, in, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("get: want 1 argument, got %d", len(args))
		}
		key, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("get: invalid key %v", args[0])
		}
		return in[key], nil
	}})

	return r
}

package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("ping")
	require.NoError(t, err)
	assert.Equal(t, Command{Name: "ping"}, cmd)

	cmd, err = ParseCommand(map[string]any{"name": "set", "args": []any{"led", "on"}})
	require.NoError(t, err)
	assert.Equal(t, "set", cmd.Name)
	assert.Equal(t, []any{"led", "on"}, cmd.Args)

	_, err = ParseCommand(map[string]any{"args": []any{1}})
	assert.Error(t, err)

	_, err = ParseCommand(42)
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(nil, zerolog.Nop())
	assert.Equal(t, []string{"echo", "get", "ping", "set", "time"}, r.Names())

	_, ok := r.Get("ping")
	assert.True(t, ok)
	_, ok = r.Get("reboot")
	assert.False(t, ok)
}

func TestExecuteCommand(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	r := NewDefaultRegistry(fixedClock(now), zerolog.Nop())
	ctx := context.Background()
	in := map[string]any{"mode": "eco"}
	out := map[string]any{}

	tests := []struct {
		name    string
		command any
		want    *Result
	}{
		{"ping", "ping", OK("pong")},
		{"echo", map[string]any{"name": "echo", "args": []any{"a", 1.0}}, OK([]any{"a", 1.0})},
		{"time", "time", OK(int64(1700000000123))},
		{"get", map[string]any{"name": "get", "args": []any{"mode"}}, OK("eco")},
		{"set", map[string]any{"name": "set", "args": []any{"led", "on"}}, OK(true)},
		{"set reserved key", map[string]any{"name": "set", "args": []any{"commands", 1}}, ErrText("set: invalid key commands")},
		{"set arity", map[string]any{"name": "set", "args": []any{"led"}}, ErrText("set: want 2 arguments, got 1")},
		{"unknown", "reboot", ErrText("unknown command: reboot")},
		{"malformed", 7, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ExecuteCommand(ctx, tt.command, in, out)
			require.NoError(t, err, "command failures are reported in the result")
			res, ok := got.(*Result)
			require.True(t, ok)
			if tt.want == nil {
				assert.False(t, res.Success)
				assert.NotEmpty(t, res.Error)
				return
			}
			assert.Equal(t, tt.want, res)
		})
	}

	assert.Equal(t, "on", out["led"])
	assert.NotContains(t, out, "commands")
}

func TestHandlerError(t *testing.T) {
	r := NewRegistry(nil, zerolog.Nop())
	r.Register(HandlerFunc{Cmd: "fail", Fn: func(context.Context, []any, map[string]any, map[string]any) (any, error) {
		return nil, errors.New("motor stalled")
	}})

	got, err := r.ExecuteCommand(context.Background(), "fail", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, ErrText("motor stalled"), got)
}

func TestReadSensors(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	r := NewRegistry(fixedClock(now), zerolog.Nop())
	out := map[string]any{}

	require.NoError(t, r.ReadSensors(context.Background(), out))
	assert.Equal(t, int64(1700000000000), out["time"])
	assert.Contains(t, out, "uptimeMs")

	hooks := r.Hooks()
	assert.NotNil(t, hooks.ReadSensors)
	assert.NotNil(t, hooks.ExecuteCommand)
	assert.Nil(t, hooks.Main)
}

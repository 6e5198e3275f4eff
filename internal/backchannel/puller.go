// Package backchannel pulls notifications from a CA with a long-poll loop.
//
// The CA holds each pull open until it has something to say or the poll
// times out; either way the puller immediately asks again. Only one pull is
// outstanding at a time.
package backchannel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cafjs/iotcli/internal/channel"
	"github.com/cafjs/iotcli/internal/codec"
)

// PathSuffix is appended to the CA url to reach the long-poll endpoint.
const PathSuffix = "/backchannel"

// Options configures a Puller.
type Options struct {
	// Channel configures the underlying channel. Its URL is the CA url,
	// without the long-poll suffix.
	Channel channel.Options
	// Session is the fixed call issued on every pull.
	Session *channel.Session
	// OnNotified receives every non-empty notification.
	OnNotified func(notification json.RawMessage)
	// MinInterval, when set, spaces consecutive pulls at least that far apart.
	MinInterval time.Duration
	Logger      zerolog.Logger
}

// Puller is a long-poll loop over a channel.
type Puller struct {
	ch         *channel.Channel
	session    *channel.Session
	onNotified func(json.RawMessage)
	limiter    *rate.Limiter
	logger     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Puller. Badly formed responses make the puller resend the
// same request instead of building a new one, which throttles a
// misbehaving CA.
func New(opts Options) (*Puller, error) {
	if opts.Session == nil {
		return nil, errors.New("backchannel: session required")
	}

	chOpts := opts.Channel
	chOpts.URL = strings.TrimRight(chOpts.URL, "/") + PathSuffix
	base := chOpts.Policy
	if base == nil {
		base = channel.DefaultPolicy
	}
	chOpts.Policy = channel.Override(base, channel.OutcomeMalformed, channel.RetrySameRequest)
	chOpts.Logger = opts.Logger

	ch, err := channel.New(chOpts)
	if err != nil {
		return nil, fmt.Errorf("backchannel: %w", err)
	}

	p := &Puller{
		ch:         ch,
		session:    opts.Session,
		onNotified: opts.OnNotified,
		logger:     opts.Logger.With().Str("component", "backchannel").Logger(),
	}
	if opts.MinInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(opts.MinInterval), 1)
	}
	return p, nil
}

// Channel returns the underlying channel, e.g. to subscribe to its events.
func (p *Puller) Channel() *channel.Channel {
	return p.ch
}

// Run pulls until ctx is done or the channel is disabled.
// A disabled channel ends the loop silently with a nil error.
func (p *Puller) Run(ctx context.Context) error {
	for {
		if !p.ch.Alive() {
			p.logger.Debug().Msg("Pulling in a shutdown channel, stopping")
			return nil
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		p.PullOnce(ctx)
	}
}

// PullOnce issues a single long-poll call and dispatches its result.
func (p *Puller) PullOnce(ctx context.Context) {
	data, err := p.ch.TryInvoke(ctx, p.session)
	switch {
	case err != nil:
		if ctx.Err() != nil || codec.IsTimeout(err) {
			return
		}
		p.logger.Warn().Err(err).Msg("Got non-timeout app error")
	case !isEmpty(data):
		if p.onNotified != nil {
			p.onNotified(data)
		}
	}
}

// Start runs the loop in the background.
func (p *Puller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Debug().Err(err).Msg("Pull loop ended")
		}
	}(p.done)
}

// Stop cancels the background loop and waits for it to return.
func (p *Puller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// isEmpty reports payloads that carry no notification.
func isEmpty(data json.RawMessage) bool {
	switch string(bytes.TrimSpace(data)) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}

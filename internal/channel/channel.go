// Package channel sends requests to a CA and transparently retries them.
//
// Every attempt is classified (see Outcome) and a Policy decides whether to
// give up, resend, rebuild the request or refresh the token. Unrecoverable
// failures permanently disable the channel; they are not returned to the
// caller but announced to Listeners instead, so clients of a channel should
// always subscribe to it.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"

	"github.com/cafjs/iotcli/internal/codec"
)

const (
	// DefaultMaxRetries is large enough to never give up in practice.
	DefaultMaxRetries = 10000000000
	// DefaultRetryTimeout is the delay between attempts.
	DefaultRetryTimeout = time.Second
)

// ErrMaxRetries is returned when a call exhausts its attempts.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrTransport wraps the cause reported to listeners when the channel dies
// because the CA could not be reached.
var ErrTransport = errors.New("transport error")

// Codec builds request envelopes and classifies responses.
type Codec interface {
	NewRequest(token, to, from, sessionID, method string, args []any) *codec.Request
	Decode(body []byte) (*codec.Response, error)
	IsSystemError(r *codec.Response) bool
	IsRedirect(r *codec.Response) bool
	IsNotAuthorized(r *codec.Response) bool
	IsErrorRecoverable(r *codec.Response) bool
	IsAppReply(r *codec.Response) bool
	AppReplyError(r *codec.Response) error
	AppReplyData(r *codec.Response) json.RawMessage
}

// Observer is notified around every HTTP exchange, e.g. a clock estimator.
type Observer interface {
	StartRequest()
	EndRequest(h http.Header)
}

// Session describes one remote invocation.
type Session struct {
	// Token returns the most up-to-date authentication token. It is called
	// again every time the request is rebuilt.
	Token     func() string
	To        string
	From      string
	SessionID string
	Method    string
	Args      []any
}

func (s *Session) token() string {
	if s.Token == nil {
		return ""
	}
	return s.Token()
}

// Options configures a Channel. Only URL is required.
type Options struct {
	URL            string
	Proxy          string
	MaxRetries     int64
	RetryTimeout   time.Duration
	RequestTimeout time.Duration
	Codec          Codec
	Policy         Policy
	HTTPClient     *resty.Client
	Jar            http.CookieJar
	Observer       Observer
	Logger         zerolog.Logger
}

// Channel is a retrying request channel to a single CA endpoint.
type Channel struct {
	url          string
	target       *url.URL
	maxRetries   int64
	retryTimeout time.Duration
	codec        Codec
	policy       Policy
	http         *resty.Client
	jar          http.CookieJar
	observer     Observer
	logger       zerolog.Logger

	alive        atomic.Bool
	mu           sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New creates a Channel.
func New(opts Options) (*Channel, error) {
	target, err := url.Parse(opts.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid channel url %q", opts.URL)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = DefaultRetryTimeout
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy
	}
	if opts.Jar == nil {
		// cookies are managed explicitly, see send
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		opts.Jar = jar
	}

	client := opts.HTTPClient
	if client == nil {
		client = resty.New().SetCookieJar(nil)
		if opts.RequestTimeout > 0 {
			client.SetTimeout(opts.RequestTimeout)
		}
		if opts.Proxy != "" {
			client.SetProxy(opts.Proxy)
		}
	}

	c := &Channel{
		url:          opts.URL,
		target:       target,
		maxRetries:   opts.MaxRetries,
		retryTimeout: opts.RetryTimeout,
		codec:        opts.Codec,
		policy:       opts.Policy,
		http:         client,
		jar:          opts.Jar,
		observer:     opts.Observer,
		logger:       opts.Logger.With().Str("component", "channel").Str("url", opts.URL).Logger(),
		listeners:    make(map[int]Listener),
	}
	c.alive.Store(true)
	return c, nil
}

// URL returns the endpoint of the channel.
func (c *Channel) URL() string {
	return c.url
}

// Alive reports whether the channel can still be used.
func (c *Channel) Alive() bool {
	return c.alive.Load()
}

// InvokeAsync runs Invoke in its own goroutine and calls cb exactly once.
// If the channel is disabled before the goroutine starts, cb gets nil, nil.
func (c *Channel) InvokeAsync(ctx context.Context, s *Session, cb func(data json.RawMessage, err error)) {
	if !c.Alive() {
		panic("channel: invoke on a disabled channel")
	}
	go func() {
		cb(c.invoke(ctx, s))
	}()
}

// Invoke performs a remote call, retrying as the policy dictates.
//
// It returns the application data and the application error of the reply.
// When the channel dies during the call both results are nil; listeners
// get the cause. Invoking a disabled channel is a programming error and
// panics.
func (c *Channel) Invoke(ctx context.Context, s *Session) (json.RawMessage, error) {
	if !c.Alive() {
		panic("channel: invoke on a disabled channel")
	}
	return c.invoke(ctx, s)
}

// TryInvoke is Invoke for callers racing with the channel being disabled
// elsewhere: a disabled channel resolves nil, nil instead of panicking.
func (c *Channel) TryInvoke(ctx context.Context, s *Session) (json.RawMessage, error) {
	return c.invoke(ctx, s)
}

func (c *Channel) invoke(ctx context.Context, s *Session) (json.RawMessage, error) {
	var req *codec.Request
	for attempt := int64(1); attempt <= c.maxRetries; attempt++ {
		if !c.Alive() {
			// disabled by a concurrent call
			return nil, nil
		}
		if req == nil {
			req = c.codec.NewRequest(s.token(), s.To, s.From, s.SessionID, s.Method, s.Args)
		}

		outcome, resp, err := c.attempt(ctx, req)
		if outcome == OutcomeTransportFailure && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch c.policy.Dispose(outcome) {
		case Succeed:
			c.logger.Trace().Str("method", req.Method).Str("id", req.ID).Interface("result", resp.Result).Msg("Channel reply")
			return c.codec.AppReplyData(resp), c.codec.AppReplyError(resp)
		case Fatal:
			c.logger.Warn().Err(err).Str("method", req.Method).Stringer("outcome", outcome).Msg("Channel shutting down")
			c.Die(fatalCause(outcome, err))
			return nil, nil
		case RetrySameRequest:
			c.logRetry(req, attempt, outcome, "Retrying same request")
		case RetryNewRequest:
			c.logRetry(req, attempt, outcome, "Retrying with a new request")
			req = nil
		case RefreshAndRetry:
			c.logRetry(req, attempt, outcome, "Not authorized, refreshing token")
			c.emitBadToken(req.Token)
			req = nil
		}

		if attempt == c.maxRetries {
			break
		}
		if err := sleep(ctx, c.retryTimeout); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrMaxRetries, c.maxRetries)
}

// Die permanently disables the channel, notifies listeners once and then
// releases them.
func (c *Channel) Die(cause error) {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	for _, l := range c.release() {
		l.OnDisabled(cause)
	}
}

// Shutdown disables the channel without notifying listeners.
func (c *Channel) Shutdown() {
	if c.alive.CompareAndSwap(true, false) {
		c.release()
	}
}

func (c *Channel) release() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	c.listeners = make(map[int]Listener)
	return out
}

// attempt sends req once and classifies what came back.
func (c *Channel) attempt(ctx context.Context, req *codec.Request) (Outcome, *codec.Response, error) {
	body, err := c.send(ctx, req)
	if err != nil {
		return OutcomeTransportFailure, nil, err
	}

	resp, err := c.codec.Decode(body)
	if err != nil {
		c.logger.Debug().Err(err).Str("body", truncate(body)).Msg("Ignoring badly formed response")
		return OutcomeMalformed, nil, err
	}
	if resp.ID != req.ID {
		c.logger.Debug().Str("want", req.ID).Str("got", resp.ID).Msg("Ignoring response with wrong id")
		return OutcomeMalformed, resp, nil
	}

	switch {
	case c.codec.IsSystemError(resp):
		switch {
		case c.codec.IsRedirect(resp):
			return OutcomeRedirect, resp, nil
		case c.codec.IsNotAuthorized(resp):
			return OutcomeNotAuthorized, resp, nil
		case c.codec.IsErrorRecoverable(resp):
			return OutcomeRecoverable, resp, nil
		default:
			if resp.Error != nil {
				return OutcomeUnrecoverable, resp, resp.Error
			}
			return OutcomeUnrecoverable, resp, nil
		}
	case c.codec.IsAppReply(resp):
		return OutcomeAppReply, resp, nil
	default:
		return OutcomeMalformed, resp, nil
	}
}

// send POSTs the envelope. The session cookie goes in a literal "Cookie"
// header because some CA front-ends match header names case-sensitively.
func (c *Channel) send(ctx context.Context, req *codec.Request) ([]byte, error) {
	r := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req)
	if cookie := cookieHeader(c.jar.Cookies(c.target)); cookie != "" {
		r.Header["Cookie"] = []string{cookie}
	}

	if c.observer != nil {
		c.observer.StartRequest()
	}
	resp, err := r.Post(c.url)
	if err != nil {
		return nil, err
	}
	if cookies := resp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(c.target, cookies)
	}
	if c.observer != nil {
		c.observer.EndRequest(resp.Header())
	}
	return resp.Body(), nil
}

func cookieHeader(cookies []*http.Cookie) string {
	parts := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

func fatalCause(o Outcome, err error) error {
	if o == OutcomeTransportFailure {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err != nil {
		return err
	}
	return errors.New(o.String())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Channel) logRetry(req *codec.Request, attempt int64, o Outcome, msg string) {
	c.logger.Debug().
		Str("method", req.Method).
		Str("id", req.ID).
		Int64("attempt", attempt).
		Stringer("outcome", o).
		Msg(msg)
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafjs/iotcli/internal/codec"
	testhelpers "github.com/cafjs/iotcli/test/helpers"
)

func newTestChannel(t *testing.T, url string, maxRetries int64, policy Policy) *Channel {
	t.Helper()
	ch, err := New(Options{
		URL:          url,
		MaxRetries:   maxRetries,
		RetryTimeout: 10 * time.Millisecond,
		Policy:       policy,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return ch
}

func testSession(token func() string) *Session {
	return &Session{
		Token:     token,
		To:        "ca-1",
		From:      "device-1",
		SessionID: "default",
		Method:    "hello",
		Args:      []any{"world"},
	}
}

func staticToken() string { return "tok-1" }

type recordingListener struct {
	mu        sync.Mutex
	disabled  []error
	badTokens []string
}

func (l *recordingListener) OnDisabled(cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disabled = append(l.disabled, cause)
}

func (l *recordingListener) OnBadToken(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.badTokens = append(l.badTokens, token)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Options{URL: "not a url"})
	assert.Error(t, err)
	_, err = New(Options{URL: ""})
	assert.Error(t, err)
}

func TestInvokeSuccess(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.AppReply(w, req, nil, map[string]any{"greeting": "hi"})
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(data))

	reqs := ca.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	env := reqs[0].Envelope(t)
	assert.Equal(t, "tok-1", env.Token)
	assert.Equal(t, "ca-1", env.To)
	assert.Equal(t, "device-1", env.From)
	assert.Equal(t, "default", env.SessionID)
	assert.Equal(t, "hello", env.Method)
	assert.Equal(t, []any{"world"}, env.Args)
	assert.True(t, ch.Alive())
}

func TestInvokeAppError(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.AppReply(w, req, "bad argument", nil)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	require.Error(t, err)
	assert.Nil(t, data)

	var appErr *codec.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "bad argument", appErr.Message)
	assert.Equal(t, 1, ca.Count())
}

func TestInvokeExhaustsRetries(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.SystemError(w, req, codec.CodeRecoverable)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	listener := &recordingListener{}
	ch.Subscribe(listener)

	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxRetries))
	assert.Nil(t, data)
	assert.True(t, ch.Alive(), "retry exhaustion does not disable the channel")
	assert.Empty(t, listener.disabled)

	reqs := ca.Requests()
	require.Len(t, reqs, 3)
	ids := map[string]bool{}
	for i, r := range reqs {
		ids[r.Envelope(t).ID] = true
		if i > 0 {
			assert.GreaterOrEqual(t, r.At.Sub(reqs[i-1].At), 10*time.Millisecond)
		}
	}
	assert.Len(t, ids, 3, "recoverable errors rebuild the request")
}

func TestInvokeRedirectThenSuccess(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		if n == 0 {
			testhelpers.SystemError(w, req, codec.CodeRedirect)
			return
		}
		testhelpers.AppReply(w, req, nil, n)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 5, nil)
	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
	assert.Equal(t, 2, ca.Count())
}

func TestInvokeTransportFailureDisablesChannel(t *testing.T) {
	ch := newTestChannel(t, testhelpers.DeadURL(t), 5, nil)
	listener := &recordingListener{}
	ch.Subscribe(listener)

	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	assert.NoError(t, err, "fatal errors are reported to listeners, not callers")
	assert.Nil(t, data)
	assert.False(t, ch.Alive())

	require.Len(t, listener.disabled, 1)
	assert.True(t, errors.Is(listener.disabled[0], ErrTransport))

	ch.Die(errors.New("again"))
	assert.Len(t, listener.disabled, 1, "disable event fires exactly once")

	assert.Panics(t, func() {
		_, _ = ch.Invoke(context.Background(), testSession(staticToken))
	})
	assert.Panics(t, func() {
		ch.InvokeAsync(context.Background(), testSession(staticToken), func(json.RawMessage, error) {})
	})
}

func TestInvokeUnrecoverableDisablesChannel(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.SystemError(w, req, codec.CodeUnrecoverable)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 5, nil)
	listener := &recordingListener{}
	ch.Subscribe(listener)

	data, err := ch.Invoke(context.Background(), testSession(staticToken))
	assert.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, ch.Alive())
	assert.Equal(t, 1, ca.Count())

	require.Len(t, listener.disabled, 1)
	var sysErr *codec.SystemError
	require.True(t, errors.As(listener.disabled[0], &sysErr))
	assert.Equal(t, codec.CodeUnrecoverable, sysErr.Code)
}

func TestInvokeRefreshesToken(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		if req.Envelope(t).Token == "tok-1" {
			testhelpers.SystemError(w, req, codec.CodeNotAuthorized)
			return
		}
		testhelpers.AppReply(w, req, nil, "ok")
	})
	defer ca.Close()

	var generation atomic.Int32
	generation.Store(1)
	token := func() string { return "tok-" + strconv.Itoa(int(generation.Load())) }

	ch := newTestChannel(t, ca.URL, 5, nil)
	ch.Subscribe(ListenerFuncs{BadToken: func(stale string) {
		assert.Equal(t, "tok-1", stale)
		generation.Add(1)
	}})

	data, err := ch.Invoke(context.Background(), testSession(token))
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, string(data))

	reqs := ca.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "tok-1", reqs[0].Envelope(t).Token)
	assert.Equal(t, "tok-2", reqs[1].Envelope(t).Token)
}

func TestMalformedResponseRetries(t *testing.T) {
	respond := func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		switch n {
		case 0:
			testhelpers.WriteJSON(w, map[string]any{"id": "someone-else", "result": map[string]any{"data": 1}})
		case 1:
			_, _ = w.Write([]byte("<html>bad gateway</html>"))
		default:
			testhelpers.AppReply(w, req, nil, "done")
		}
	}

	t.Run("default policy rebuilds", func(t *testing.T) {
		ca := testhelpers.NewMockCA(respond)
		defer ca.Close()

		ch := newTestChannel(t, ca.URL, 5, nil)
		data, err := ch.Invoke(context.Background(), testSession(staticToken))
		require.NoError(t, err)
		assert.Equal(t, `"done"`, string(data))

		reqs := ca.Requests()
		require.Len(t, reqs, 3)
		assert.NotEqual(t, reqs[0].Envelope(t).ID, reqs[1].Envelope(t).ID)
		assert.NotEqual(t, reqs[1].Envelope(t).ID, reqs[2].Envelope(t).ID)
	})

	t.Run("override resends", func(t *testing.T) {
		ca := testhelpers.NewMockCA(respond)
		defer ca.Close()

		policy := Override(DefaultPolicy, OutcomeMalformed, RetrySameRequest)
		ch := newTestChannel(t, ca.URL, 5, policy)
		data, err := ch.Invoke(context.Background(), testSession(staticToken))
		require.NoError(t, err)
		assert.Equal(t, `"done"`, string(data))

		reqs := ca.Requests()
		require.Len(t, reqs, 3)
		id := reqs[0].Envelope(t).ID
		assert.Equal(t, id, reqs[1].Envelope(t).ID)
		assert.Equal(t, id, reqs[2].Envelope(t).ID)
	})
}

func TestSessionCookie(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		if n == 0 {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc123", Path: "/"})
		}
		testhelpers.AppReply(w, req, nil, n)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	_, err := ch.Invoke(context.Background(), testSession(staticToken))
	require.NoError(t, err)
	_, err = ch.Invoke(context.Background(), testSession(staticToken))
	require.NoError(t, err)

	reqs := ca.Requests()
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[0].Headers["Cookie"])
	assert.Equal(t, []string{"JSESSIONID=abc123"}, reqs[1].Headers["Cookie"])
}

func TestInvokeContextCancelDuringDelay(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.SystemError(w, req, codec.CodeRecoverable)
	})
	defer ca.Close()

	ch, err := New(Options{URL: ca.URL, RetryTimeout: time.Hour, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = ch.Invoke(ctx, testSession(staticToken))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ch.Alive())
	assert.Equal(t, 1, ca.Count())
}

func TestInvokeAsync(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.AppReply(w, req, nil, 7)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	done := make(chan json.RawMessage, 1)
	ch.InvokeAsync(context.Background(), testSession(staticToken), func(data json.RawMessage, err error) {
		assert.NoError(t, err)
		done <- data
	})

	select {
	case data := <-done:
		assert.Equal(t, "7", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}
}

func TestInvokeAsyncChannelDiesBeforeGoroutineRuns(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.AppReply(w, req, nil, 7)
	})
	defer ca.Close()

	for i := 0; i < 50; i++ {
		ch := newTestChannel(t, ca.URL, 3, nil)
		var calls atomic.Int32
		done := make(chan struct{})
		ch.InvokeAsync(context.Background(), testSession(staticToken), func(data json.RawMessage, err error) {
			calls.Add(1)
			assert.NoError(t, err)
			close(done)
		})
		ch.Die(nil)

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("callback not called")
		}
		assert.Equal(t, int32(1), calls.Load())
	}
}

func TestTryInvokeOnDisabledChannel(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.AppReply(w, req, nil, 7)
	})
	defer ca.Close()

	ch := newTestChannel(t, ca.URL, 3, nil)
	ch.Shutdown()

	assert.NotPanics(t, func() {
		data, err := ch.TryInvoke(context.Background(), testSession(staticToken))
		assert.NoError(t, err)
		assert.Nil(t, data)
	})
	assert.Equal(t, 0, ca.Count())
}

func TestConcurrentFatalCallsDisableOnce(t *testing.T) {
	ch := newTestChannel(t, testhelpers.DeadURL(t), 5, nil)
	listener := &recordingListener{}
	ch.Subscribe(listener)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			data, err := ch.TryInvoke(context.Background(), testSession(staticToken))
			assert.NoError(t, err)
			assert.Nil(t, data)
		}()
	}
	close(start)
	wg.Wait()

	assert.False(t, ch.Alive())
	listener.mu.Lock()
	defer listener.mu.Unlock()
	assert.Len(t, listener.disabled, 1)
}

func TestShutdownReleasesListenersSilently(t *testing.T) {
	ch := newTestChannel(t, "http://127.0.0.1:1", 1, nil)
	listener := &recordingListener{}
	ch.Subscribe(listener)

	ch.Shutdown()
	ch.Die(errors.New("late"))

	assert.False(t, ch.Alive())
	assert.Empty(t, listener.disabled)
}

type countingObserver struct {
	starts, ends atomic.Int32
	lastHeader   atomic.Value
}

func (o *countingObserver) StartRequest() { o.starts.Add(1) }

func (o *countingObserver) EndRequest(h http.Header) {
	o.ends.Add(1)
	o.lastHeader.Store(h.Get("x-start-time"))
}

func TestObserverSeesExchanges(t *testing.T) {
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		w.Header().Set("x-start-time", "1234")
		testhelpers.AppReply(w, req, nil, true)
	})
	defer ca.Close()

	obs := &countingObserver{}
	ch, err := New(Options{URL: ca.URL, Observer: obs, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = ch.Invoke(context.Background(), testSession(staticToken))
	require.NoError(t, err)
	assert.Equal(t, int32(1), obs.starts.Load())
	assert.Equal(t, int32(1), obs.ends.Load())
	assert.Equal(t, "1234", obs.lastHeader.Load())
}

func TestDefaultPolicy(t *testing.T) {
	tests := []struct {
		outcome Outcome
		want    Disposition
	}{
		{OutcomeTransportFailure, Fatal},
		{OutcomeMalformed, RetryNewRequest},
		{OutcomeRedirect, RetryNewRequest},
		{OutcomeNotAuthorized, RefreshAndRetry},
		{OutcomeRecoverable, RetryNewRequest},
		{OutcomeUnrecoverable, Fatal},
		{OutcomeAppReply, Succeed},
	}
	for _, tt := range tests {
		t.Run(tt.outcome.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultPolicy.Dispose(tt.outcome))
		})
	}

	p := Override(DefaultPolicy, OutcomeMalformed, RetrySameRequest)
	assert.Equal(t, RetrySameRequest, p.Dispose(OutcomeMalformed))
	assert.Equal(t, RefreshAndRetry, p.Dispose(OutcomeNotAuthorized))
}

package commands

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cafjs/iotcli/internal/backchannel"
	"github.com/cafjs/iotcli/internal/codec"
	testhelpers "github.com/cafjs/iotcli/test/helpers"
)

func TestPullCommandPrintsNotifications(t *testing.T) {
	home := testhelpers.NewTempHome(t)
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		switch n {
		case 1:
			testhelpers.AppReply(w, req, nil, map[string]any{"n": 1})
		case 2:
			testhelpers.AppReply(w, req, nil, "hello")
		default:
			testhelpers.AppReply(w, req, "timeout", nil)
		}
	})
	defer ca.Close()
	writeCAConfig(t, home, ca.URL)

	cmd := NewPullCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--count", "2"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "{\"n\":1}\n\"hello\"\n", out.String())

	reqs := ca.Requests()
	require.GreaterOrEqual(t, len(reqs), 3)
	assert.Equal(t, backchannel.PathSuffix, reqs[0].Path)
	assert.Equal(t, "pull", reqs[0].Envelope(t).Method)
}

func TestPullCommandChannelDisabled(t *testing.T) {
	home := testhelpers.NewTempHome(t)
	ca := testhelpers.NewMockCA(func(w http.ResponseWriter, n int, req testhelpers.RecordedRequest) {
		testhelpers.SystemError(w, req, codec.CodeUnrecoverable)
	})
	defer ca.Close()
	writeCAConfig(t, home, ca.URL)

	cmd := NewPullCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CA channel disabled")
	assert.Equal(t, 1, ca.Count())
}

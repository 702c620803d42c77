package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

func newClientEnv(t *testing.T) (*testEnv, *Client) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(env.server.Handler())
	t.Cleanup(srv.Close)
	return env, NewClient(srv.URL, srv.Client())
}

func TestClient_StartApprove(t *testing.T) {
	env, client := newClientEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	started, err := client.Start(ctx, "approval", StartRequest{Input: map[string]interface{}{"topic": "go"}})
	require.NoError(t, err)
	require.NotEmpty(t, started.ID)

	paused, err := client.WaitSettled(ctx, started.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceStatusPaused, paused.Status)
	assert.Equal(t, []core.PhaseID{"review"}, paused.Waiting)

	require.NoError(t, client.Approve(ctx, started.ID, ApproveRequest{PhaseID: "review"}))
	done, err := client.WaitSettled(ctx, started.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceStatusComplete, done.Status)
}

func TestClient_MapsErrors(t *testing.T) {
	env, client := newClientEnv(t)
	require.NoError(t, env.store.SaveDefinition(context.Background(), approvalDefinition()))
	ctx := context.Background()

	_, err := client.Start(ctx, "ghost", StartRequest{})
	require.Error(t, err)
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound), err.Error())

	_, err = client.Instance(ctx, "missing")
	assert.True(t, core.IsCategory(err, core.ErrCatNotFound))

	err = client.SendInput(ctx, "missing", "")
	assert.True(t, core.IsCategory(err, core.ErrCatValidation))
}

func TestClient_StripsFormattedMessage(t *testing.T) {
	err := errorFromResponse(409, ErrorResponse{
		Error: "[state] INVALID_STATE: instance is complete",
		Code:  core.CodeInvalidState,
	})
	assert.True(t, core.IsCode(err, core.CodeInvalidState))
	assert.Equal(t, "[state] INVALID_STATE: instance is complete", err.Error())

	err = errorFromResponse(500, ErrorResponse{Error: "boom"})
	assert.EqualError(t, err, "server returned 500: boom")
}

func TestNewClient_BareAddress(t *testing.T) {
	c := NewClient("127.0.0.1:8088/", nil)
	assert.Equal(t, "http://127.0.0.1:8088", c.baseURL)
}

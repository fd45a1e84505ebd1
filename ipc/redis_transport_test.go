package ipc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-memory miniredis instance, grounded on the
// same helper shape the example pack uses for testing Redis-backed
// components without a live server.
func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return mr
}

func TestRedisTransport_SendReceive_AuthoritativeToView(t *testing.T) {
	mr := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	authSide, err := NewRedisTransport(ctx, RedisTransportOptions{
		RedisURL:      "redis://" + mr.Addr(),
		Namespace:     "test",
		ViewID:        7,
		Authoritative: true,
	})
	require.NoError(t, err)
	defer authSide.Close()

	viewSide, err := NewRedisTransport(ctx, RedisTransportOptions{
		RedisURL:      "redis://" + mr.Addr(),
		Namespace:     "test",
		ViewID:        7,
		Authoritative: false,
	})
	require.NoError(t, err)
	defer viewSide.Close()

	body, err := json.Marshal(DispatchAckBody{ActionID: "a1", Version: 3})
	require.NoError(t, err)
	env := Envelope{Kind: KindDispatchAck, Seq: 1, Body: body}

	errCh := make(chan error, 1)
	go func() { errCh <- authSide.Send(ctx, env) }()

	got, err := viewSide.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Equal(t, KindDispatchAck, got.Kind)
	var gotBody DispatchAckBody
	require.NoError(t, json.Unmarshal(got.Body, &gotBody))
	require.Equal(t, "a1", gotBody.ActionID)
	require.Equal(t, int64(3), gotBody.Version)
}

func TestRedisTransport_SendReceive_ViewToAuthoritative(t *testing.T) {
	mr := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	authSide, err := NewRedisTransport(ctx, RedisTransportOptions{
		RedisURL:      "redis://" + mr.Addr(),
		Namespace:     "test",
		ViewID:        9,
		Authoritative: true,
	})
	require.NoError(t, err)
	defer authSide.Close()

	viewSide, err := NewRedisTransport(ctx, RedisTransportOptions{
		RedisURL:      "redis://" + mr.Addr(),
		Namespace:     "test",
		ViewID:        9,
		Authoritative: false,
	})
	require.NoError(t, err)
	defer viewSide.Close()

	body, err := json.Marshal(DispatchAction{Type: "increment", ID: "a2", SourceViewID: 9})
	require.NoError(t, err)
	env := Envelope{Kind: KindDispatch, Seq: 1, Body: body}

	errCh := make(chan error, 1)
	go func() { errCh <- viewSide.Send(ctx, env) }()

	got, err := authSide.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Equal(t, KindDispatch, got.Kind)
}

func TestNewRedisTransport_RequiresURL(t *testing.T) {
	_, err := NewRedisTransport(context.Background(), RedisTransportOptions{})
	require.Error(t, err)
}

func TestNewRedisTransport_RejectsUnreachableServer(t *testing.T) {
	_, err := NewRedisTransport(context.Background(), RedisTransportOptions{
		RedisURL: "redis://127.0.0.1:1",
	})
	require.Error(t, err)
}

func TestRedisTransport_Close_StopsFurtherReceive(t *testing.T) {
	mr := setupTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := NewRedisTransport(ctx, RedisTransportOptions{
		RedisURL:      "redis://" + mr.Addr(),
		Namespace:     "test",
		ViewID:        1,
		Authoritative: false,
	})
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	_, err = tr.Receive(ctx)
	require.Error(t, err)
}

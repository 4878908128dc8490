//go:build integration

package protocol_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robehgc/hitl-pipeline/pkg/protocol"
	"github.com/robehgc/hitl-pipeline/test/testutil"
)

func TestActivateDivertDeactivate(t *testing.T) {
	pool := testutil.RequirePool(t)
	mgr := protocol.New(pool, protocol.Config{})
	ctx := context.Background()

	status, err := mgr.GetStatus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInactive, status.Status)

	require.NoError(t, mgr.Activate(ctx, "u1", "staff:alice", "spam reported"))

	status, err = mgr.GetStatus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusActive, status.Status)

	_, diverted, err := mgr.Divert(ctx, "u1", "hello", "ext-1")
	require.NoError(t, err)
	require.True(t, diverted)

	msgs, err := mgr.ListQuarantined(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, mgr.Deactivate(ctx, "u1", "staff:alice", "resolved"))
	status, err = mgr.GetStatus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, protocol.StatusInactive, status.Status)

	_, diverted, err = mgr.Divert(ctx, "u1", "hello again", "ext-2")
	require.NoError(t, err)
	require.False(t, diverted)
}

func TestOneTimePassLetsNextMessageThrough(t *testing.T) {
	pool := testutil.RequirePool(t)
	mgr := protocol.New(pool, protocol.Config{})
	ctx := context.Background()

	require.NoError(t, mgr.Activate(ctx, "u2", "staff:bob", "noise"))
	require.NoError(t, mgr.GrantOneTimePass(ctx, "u2", "staff:bob", "let this one through"))

	_, diverted, err := mgr.Divert(ctx, "u2", "one free message", "ext-3")
	require.NoError(t, err)
	require.False(t, diverted)

	_, diverted, err = mgr.Divert(ctx, "u2", "back to quarantine", "ext-4")
	require.NoError(t, err)
	require.True(t, diverted)
}

package alerts

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/internal/common/logger"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	store, err := NewStore(db, log)
	require.NoError(t, err)
	return store
}

func TestRecordAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "agent-1", protocol.AlertWarning, "disk filling", map[string]interface{}{"free": "2GB"}))
	require.NoError(t, store.Record(ctx, "agent-2", protocol.AlertCritical, "disk full", nil))

	all, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byAgent, err := store.List(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "disk filling", byAgent[0].Message)
	assert.Equal(t, "warning", byAgent[0].Level)
	assert.Equal(t, "2GB", byAgent[0].Details["free"])
	assert.False(t, byAgent[0].Acknowledged)
}

func TestAcknowledge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, "agent-1", protocol.AlertError, "boom", nil))
	listed, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.Acknowledge(ctx, listed[0].ID))
	listed, err = store.List(ctx, "", 0)
	require.NoError(t, err)
	assert.True(t, listed[0].Acknowledged)
	assert.NotNil(t, listed[0].AcknowledgedAt)

	// The alert itself stays immutable.
	assert.Equal(t, "boom", listed[0].Message)

	err = store.Acknowledge(ctx, "no-such-alert")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

// ABOUTME: Tests for the SQLite store implementation.
// ABOUTME: Covers schema creation, transcript ordering, and alert history.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jarvis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "jarvis.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
}

func TestSaveMessage_And_SessionHistory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i, m := range []Message{
		{SessionID: "web-1", Sender: SenderUser, Content: "how is the cluster?"},
		{SessionID: "web-1", Sender: SenderAgent, Content: "all nodes Ready"},
		{SessionID: "web-2", Sender: SenderUser, Content: "unrelated"},
	} {
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.SaveMessage(ctx, m))
	}

	history, err := s.SessionHistory(ctx, "web-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, SenderUser, history[0].Sender)
	assert.Equal(t, "how is the cluster?", history[0].Content)
	assert.Equal(t, SenderAgent, history[1].Sender)
	assert.NotEmpty(t, history[0].ID, "missing IDs are generated")

	history, err = s.SessionHistory(ctx, "web-1", 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "how is the cluster?", history[0].Content)
}

func TestSessionHistory_EmptySession(t *testing.T) {
	s := testStore(t)
	history, err := s.SessionHistory(context.Background(), "does-not-exist", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSaveAlert_And_RecentAlerts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	for i, a := range []Alert{
		{CheckName: "cluster-health", Severity: "warning", Message: "node pressure", Fingerprint: "aaa"},
		{CheckName: "fluxcd-reconciliation", Severity: "critical", Message: "kustomization failed", Fingerprint: "bbb"},
	} {
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.SaveAlert(ctx, a))
	}

	alerts, err := s.RecentAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	// Newest first.
	assert.Equal(t, "fluxcd-reconciliation", alerts[0].CheckName)
	assert.Equal(t, "bbb", alerts[0].Fingerprint)
	assert.Equal(t, "cluster-health", alerts[1].CheckName)

	alerts, err = s.RecentAlerts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "fluxcd-reconciliation", alerts[0].CheckName)
}

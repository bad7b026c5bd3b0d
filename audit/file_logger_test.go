package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestNewLoggerDispatch(t *testing.T) {
	t.Run("nil config gives no-op", func(t *testing.T) {
		l, err := NewLogger(nil)
		require.NoError(t, err)
		_, ok := l.(*NoOpLogger)
		assert.True(t, ok)
	})

	t.Run("disabled gives no-op", func(t *testing.T) {
		l, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		_, ok := l.(*NoOpLogger)
		assert.True(t, ok)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "database"})
		require.Error(t, err)
	})

	t.Run("file logger requires file_path", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		require.Error(t, err)
	})
}

func TestFileLoggerLogAndQuery(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("STORE", true, map[string]interface{}{
		"object_id": "obj-1",
	}))
	require.NoError(t, logger.Log("RETRIEVE", true, map[string]interface{}{
		"object_id": "obj-1",
	}))
	require.NoError(t, logger.Log("RETRIEVE", false, map[string]interface{}{
		"object_id": "obj-2",
		"error":     "object not found",
	}))

	t.Run("all events", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, result.TotalCount)
		assert.Len(t, result.Events, 3)
	})

	t.Run("by action", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "RETRIEVE"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
	})

	t.Run("by object id", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{ObjectID: "obj-2"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "object not found", result.Events[0].Error)
	})

	t.Run("failures only", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "RETRIEVE", result.Events[0].Action)
	})

	t.Run("limit and ordering", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		// Newest first
		assert.Equal(t, "obj-2", result.Events[0].ObjectID)
		assert.True(t, result.HasMore)
	})
}

func TestFileLoggerQuerySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	}

	logger, err := NewFileLogger(config)
	require.NoError(t, err)
	require.NoError(t, logger.Log("STORE_INIT", true, nil))
	require.NoError(t, logger.Close())

	// A fresh logger with an empty cache must read events back from disk
	logger2, err := NewFileLogger(config)
	require.NoError(t, err)
	defer logger2.Close()

	result, err := logger2.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "STORE_INIT", result.Events[0].Action)
}

func TestFileLoggerKeyAccessFilter(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("KEY_CREATE", true, nil))
	require.NoError(t, logger.Log("STORE", true, nil))

	result, err := logger.Query(QueryOptions{KeyAccess: true})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	assert.Equal(t, "KEY_CREATE", result.Events[0].Action)
}

func TestFileLoggerTimeRange(t *testing.T) {
	logger := newTestFileLogger(t)

	require.NoError(t, logger.Log("STORE", true, nil))

	future := time.Now().Add(time.Hour)
	result, err := logger.Query(QueryOptions{Since: &future})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
}

func TestNoOpLogger(t *testing.T) {
	l := NewNoOpLogger()
	require.NoError(t, l.Log("ANYTHING", true, nil))
	result, err := l.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Events)
	require.NoError(t, l.Close())
}

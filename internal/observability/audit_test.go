package observability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/harun/ally/internal/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	t.Run("should write decisions as json lines tagged with the thread", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit", "audit.log")
		require.NoError(t, InitAuditLogger(path))
		defer GetAuditLogger().Close()

		ctx := tracing.WithThreadID(context.Background(), "thread-1")
		AuditPermission(ctx, "run_command", "user", false, map[string]interface{}{"command": "ls"})
		AuditToolCall(ctx, "read_file", "success", nil)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2)

		var first map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
		assert.Equal(t, "permission", first["kind"])
		assert.Equal(t, "denied", first["outcome"])
		assert.Equal(t, "user", first["decided_by"])
		assert.Equal(t, "thread-1", first["thread_id"])
		assert.Equal(t, "ls", first["details"].(map[string]interface{})["command"])

		var second map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
		assert.Equal(t, "tool_call", second["kind"])
		assert.Equal(t, "read_file", second["tool"])
		assert.NotContains(t, second, "details")
	})

	t.Run("should discard events after close", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit.log")
		require.NoError(t, InitAuditLogger(path))
		require.NoError(t, GetAuditLogger().Close())

		assert.NotPanics(t, func() {
			AuditToolCall(context.Background(), "read_file", "success", nil)
		})
	})
}

func TestMetrics(t *testing.T) {
	t.Run("should register once and accept records", func(t *testing.T) {
		EnsureRegistered()
		EnsureRegistered()

		assert.NotPanics(t, func() {
			RecordInference("openai", 0, true)
			RecordTurn("terminal", 0)
			RecordToolExecution("read_file", 0, false)
			RecordRetrievalQuery(0, true)
			RecordRecoveryDecision("PermissionDenied", "substitute")
			RecordCheckpointSave(0)
			RecordCheckpointLoad(0)
			RecordMalformedToolCall()
			AddChunksEmbedded(3)
		})
		assert.NotNil(t, MetricsHandler())
	})
}

package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/task-service/internal/database"
)

func databaseToolWithSteps(t *testing.T, stepConfig string) database.Tool {
	t.Helper()
	return database.Tool{
		Slug:        "test-tool",
		Provider:    "replicate",
		MaxAttempts: 3,
		TimeoutSec:  120,
		StepConfig:  json.RawMessage(stepConfig),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tool := databaseToolWithSteps(t, `[{"name": "generate", "provider": "runpod"}]`)

	raw, err := Snapshot(tool)
	require.NoError(t, err)

	snap, err := ParseSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, "replicate", snap.Provider)
	assert.Equal(t, 3, snap.MaxAttempts)
	assert.Equal(t, 120, snap.TimeoutSec)

	steps := ParseSteps(snap.Steps)
	require.Len(t, steps, 1)
	assert.Equal(t, "runpod", steps[0].Provider)
}

func TestParseSnapshotInvalid(t *testing.T) {
	_, err := ParseSnapshot(json.RawMessage(`not json`))
	assert.Error(t, err)
}

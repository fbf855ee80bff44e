package janitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/delta/pkg/delta/journal"
)

// deadPID is assumed unused; pid_max on test hosts is far below it only
// when misconfigured, so a liveness probe double-checks in the test.
const deadPID = 999999

func seedMetadata(t *testing.T, meta journal.Metadata) *journal.MetadataStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), journal.MetadataFileName)
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return journal.NewMetadataStore(path)
}

func baseMetadata(t *testing.T) journal.Metadata {
	t.Helper()
	hostname, err := os.Hostname()
	require.NoError(t, err)
	return journal.Metadata{
		RunID:       "run-1",
		StartTime:   "2025-01-01T00:00:00Z",
		AgentRef:    "./agent",
		Task:        "t",
		Status:      journal.StatusRunning,
		PID:         deadPID,
		Hostname:    hostname,
		ProcessName: "delta",
	}
}

func TestTriagePassesThroughNonRunning(t *testing.T) {
	for _, status := range []journal.RunStatus{
		journal.StatusCompleted, journal.StatusFailed,
		journal.StatusInterrupted, journal.StatusWaitingForInput,
	} {
		meta := baseMetadata(t)
		meta.Status = status
		store := seedMetadata(t, meta)

		got, err := Triage(store, false, nil)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
}

func TestTriageRecoversDeadPID(t *testing.T) {
	if processAlive(deadPID) {
		t.Skipf("pid %d is unexpectedly alive on this host", deadPID)
	}
	before := baseMetadata(t)
	store := seedMetadata(t, before)

	got, err := Triage(store, false, nil)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, got.Status)

	// Only the status field changed.
	after, err := store.Read()
	require.NoError(t, err)
	expected := before
	expected.Status = journal.StatusInterrupted
	assert.Equal(t, expected, *after)
}

func TestTriageRefusesLiveProcess(t *testing.T) {
	meta := baseMetadata(t)
	meta.PID = os.Getpid()
	name, ok := processName(os.Getpid())
	require.True(t, ok)
	meta.ProcessName = name
	store := seedMetadata(t, meta)

	_, err := Triage(store, false, nil)
	var liveErr *LiveRunError
	require.ErrorAs(t, err, &liveErr)
	assert.Equal(t, os.Getpid(), liveErr.PID)

	after, err := store.Read()
	require.NoError(t, err)
	assert.Equal(t, journal.StatusRunning, after.Status)
}

func TestTriageRecoversReusedPID(t *testing.T) {
	meta := baseMetadata(t)
	meta.PID = os.Getpid()
	meta.ProcessName = "definitely-not-this-test-binary"
	store := seedMetadata(t, meta)

	got, err := Triage(store, false, nil)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, got.Status)
}

func TestTriageRefusesCrossHost(t *testing.T) {
	meta := baseMetadata(t)
	meta.Hostname = "some-other-machine"
	store := seedMetadata(t, meta)

	_, err := Triage(store, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cross-host")

	got, err := Triage(store, true, nil)
	require.NoError(t, err)
	assert.Equal(t, journal.StatusInterrupted, got.Status)
}

func TestNamesMatchCommTruncation(t *testing.T) {
	assert.True(t, namesMatch("delta", "delta"))
	assert.True(t, namesMatch("a-very-long-pro", "a-very-long-process-name"))
	assert.False(t, namesMatch("delta", "systemd"))
}

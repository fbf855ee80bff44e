package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	j, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func mustEvent(t *testing.T, seq uint64, typ EventType, payload any) Event {
	t.Helper()
	ev, err := NewEvent(seq, typ, payload)
	require.NoError(t, err)
	return ev
}

func TestAppendAndReadAll(t *testing.T) {
	j, path := openTemp(t)

	require.NoError(t, j.Append(mustEvent(t, 1, EventRunStart, RunStartPayload{Task: "say hi", AgentRef: "a"})))
	require.NoError(t, j.Append(mustEvent(t, 2, EventThought, ThoughtPayload{Content: "hello", LLMInvocationRef: "inv_1"})))

	events, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, EventRunStart, events[0].Type)
	assert.Equal(t, uint64(2), events[1].Seq)

	// One compact JSON object per line, newline-terminated.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.NotContains(t, string(data), "\n  ")
}

func TestAppendRejectsSeqGap(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(mustEvent(t, 1, EventRunStart, RunStartPayload{Task: "t"})))
	err := j.Append(mustEvent(t, 3, EventThought, ThoughtPayload{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gap")
}

func TestOpenRejectsWrongFileName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.json")
	_, err := Open(path, nil)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "journal.jsonl")
}

func TestOpenRejectsJSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[\n{\"seq\":1}\n]\n"), 0o644))

	_, err := Open(path, nil)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "restore")
}

func TestOpenRejectsPrettyPrinted(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("  {\"seq\": 1}\n"), 0o644))

	_, err := Open(path, nil)
	require.Error(t, err)
}

func TestOpenRejectsSeqGapOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	line1, _ := json.Marshal(Event{Seq: 1, Type: EventRunStart, Payload: []byte(`{}`)})
	line3, _ := json.Marshal(Event{Seq: 3, Type: EventThought, Payload: []byte(`{}`)})
	require.NoError(t, os.WriteFile(path, append(append(line1, '\n'), append(line3, '\n')...), 0o644))

	_, err := Open(path, nil)
	var cerr *CorruptionError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Error(), "seq gap")
}

func TestOpenDiscardsPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	line1, _ := json.Marshal(Event{Seq: 1, Type: EventRunStart, Payload: []byte(`{}`)})
	content := append(line1, '\n')
	content = append(content, []byte(`{"seq":2,"ty`)...) // crash mid-append
	require.NoError(t, os.WriteFile(path, content, 0o644))

	j, err := Open(path, nil)
	require.NoError(t, err)
	defer j.Close()

	assert.Equal(t, uint64(1), j.LastSeq())

	// The append position is right after the last complete line.
	require.NoError(t, j.Append(mustEvent(t, 2, EventThought, ThoughtPayload{Content: "x"})))
	events, err := j.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq)
}

func TestAppendAfterCloseFails(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	err := j.Append(mustEvent(t, 1, EventRunStart, RunStartPayload{}))
	require.Error(t, err)
}

func TestTimestampsNonDecreasing(t *testing.T) {
	j, _ := openTemp(t)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, j.Append(mustEvent(t, seq, EventSystemMessage, SystemMessagePayload{Level: "INFO", Message: "m"})))
	}
	events, err := j.ReadAll()
	require.NoError(t, err)
	for i := 1; i < len(events); i++ {
		prev, err := time.Parse(time.RFC3339Nano, events[i-1].Timestamp)
		require.NoError(t, err)
		cur, err := time.Parse(time.RFC3339Nano, events[i].Timestamp)
		require.NoError(t, err)
		assert.False(t, cur.Before(prev), "timestamps must be non-decreasing")
	}
}

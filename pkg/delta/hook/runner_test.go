package hook

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	root := t.TempDir()
	hooksDir := filepath.Join(root, "io", "hooks")
	workspace := filepath.Join(root, "ws")
	require.NoError(t, os.MkdirAll(workspace, 0o755))
	return NewRunner(hooksDir, workspace, "run-1", nil), hooksDir
}

func TestInvokeWritesIOContract(t *testing.T) {
	r, hooksDir := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c", "true"}}
	out := r.Invoke(context.Background(), PhasePostToolExec, spec, 7, []byte(`{"tool_name":"echo"}`))
	require.True(t, out.Success)

	entries, err := os.ReadDir(hooksDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	name := entries[0].Name()
	assert.Contains(t, name, "7_post_tool_exec_")

	dir := filepath.Join(hooksDir, name)
	ctxData, err := os.ReadFile(filepath.Join(dir, "input", "context.json"))
	require.NoError(t, err)
	var invCtx InvocationContext
	require.NoError(t, json.Unmarshal(ctxData, &invCtx))
	assert.Equal(t, "post_tool_exec", invCtx.Phase)
	assert.Equal(t, uint64(7), invCtx.Seq)
	assert.Equal(t, "run-1", invCtx.RunID)

	payload, err := os.ReadFile(filepath.Join(dir, "input", "payload.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"tool_name":"echo"}`, string(payload))

	for _, f := range []string{"command.txt", "stdout.log", "stderr.log", "exit_code.txt", "duration_ms.txt"} {
		_, err := os.Stat(filepath.Join(dir, "execution_meta", f))
		assert.NoError(t, err, "execution_meta/%s must exist", f)
	}
}

func TestInvokePreLLMReqPayloadName(t *testing.T) {
	r, hooksDir := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c", "true"}}
	out := r.Invoke(context.Background(), PhasePreLLMReq, spec, 1, []byte(`{"model":"m"}`))
	require.True(t, out.Success)

	entries, _ := os.ReadDir(hooksDir)
	dir := filepath.Join(hooksDir, entries[0].Name())
	_, err := os.Stat(filepath.Join(dir, "input", "proposed_payload.json"))
	assert.NoError(t, err)
}

func TestInvokeEnvironment(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c",
		`printf '{"run":"%s","io":"%s"}' "$DELTA_RUN_ID" "$DELTA_HOOK_IO_PATH" > "$DELTA_HOOK_IO_PATH/output/control.json.probe"`}}
	out := r.Invoke(context.Background(), PhasePostLLMResp, spec, 2, nil)
	require.True(t, out.Success)

	probe, err := os.ReadFile(filepath.Join(out.Dir, "output", "control.json.probe"))
	require.NoError(t, err)
	var got struct{ Run, IO string }
	require.NoError(t, json.Unmarshal(probe, &got))
	assert.Equal(t, "run-1", got.Run)
	assert.Equal(t, out.Dir, got.IO)
}

func TestInvokeReadsControl(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c",
		`printf '{"action":"CONTINUE","skip":true,"message":"not today"}' > "$DELTA_HOOK_IO_PATH/output/control.json"`}}
	out := r.Invoke(context.Background(), PhasePreToolExec, spec, 3, []byte(`{}`))
	require.True(t, out.Success)
	require.NotNil(t, out.Control)
	assert.True(t, out.Control.Skip)
	assert.Equal(t, "CONTINUE", out.Control.Action)
	assert.Equal(t, "not today", out.Control.Message)
}

func TestInvokeFinalPayloadOverride(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c",
		`printf '{"model":"other"}' > "$DELTA_HOOK_IO_PATH/output/final_payload.json"`}}
	out := r.Invoke(context.Background(), PhasePreLLMReq, spec, 1, []byte(`{"model":"m"}`))
	require.True(t, out.Success)
	assert.JSONEq(t, `{"model":"other"}`, string(out.FinalPayload))
}

func TestInvokeInvalidFinalPayloadIgnored(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c",
		`printf 'not json' > "$DELTA_HOOK_IO_PATH/output/final_payload.json"`}}
	out := r.Invoke(context.Background(), PhasePreLLMReq, spec, 1, []byte(`{"model":"m"}`))
	require.True(t, out.Success)
	assert.Nil(t, out.FinalPayload)
}

func TestInvokeFailureIsOutcomeNotError(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sh", "-c", "exit 3"}}
	out := r.Invoke(context.Background(), PhasePostToolExec, spec, 4, nil)
	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "code 3")

	exitCode, err := os.ReadFile(filepath.Join(out.Dir, "execution_meta", "exit_code.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3\n", string(exitCode))
}

func TestInvokeTimeout(t *testing.T) {
	r, _ := newTestRunner(t)

	spec := Spec{Command: []string{"sleep", "5"}, TimeoutMs: 100}
	out := r.Invoke(context.Background(), PhasePostToolExec, spec, 5, nil)
	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "timed out")
}

func TestInvokeFailedPreLLMReqHasNoFinalPayload(t *testing.T) {
	r, _ := newTestRunner(t)

	// Even when the hook wrote a payload, a nonzero exit discards it.
	spec := Spec{Command: []string{"sh", "-c",
		`printf '{"model":"other"}' > "$DELTA_HOOK_IO_PATH/output/final_payload.json"; exit 1`}}
	out := r.Invoke(context.Background(), PhasePreLLMReq, spec, 1, []byte(`{"model":"m"}`))
	assert.False(t, out.Success)
	assert.Nil(t, out.FinalPayload)
}

package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperflow/docbatch/inference"
	"github.com/paperflow/docbatch/testutil/mocks"
)

func readLogRecords(t *testing.T, path string) []logRecord {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var recs []logRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec logRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "line: %s", scanner.Text())
		recs = append(recs, rec)
	}
	require.NoError(t, scanner.Err())
	return recs
}

func TestJobLogsRecordFailuresAndRetries(t *testing.T) {
	dir := t.TempDir()
	exec := mocks.NewExecutor().
		WithRequestOutcomes("perma-fail",
			mocks.Outcome{Err: inference.NewError(inference.KindClientError, "status=400 msg=bad request")}).
		WithRequestOutcomes("retry-then-ok",
			mocks.Outcome{Err: inference.NewError(inference.KindServerError, "status=503 msg=overloaded")},
			mocks.Outcome{Text: `{"ok":true}`, Usage: inference.Usage{PromptTokens: 8, CompletionTokens: 4}})
	cfg := fastConfig()
	cfg.LogDir = dir
	d := NewDispatcher(cfg, exec, nil)

	retried := newReq("retry-then-ok", "m1")
	retried.Metadata = map[string]any{"page": float64(3)}
	results, err := d.Submit(context.Background(), []*inference.Request{
		newReq("perma-fail", "m1"), retried,
	})
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)

	failures := readLogRecords(t, filepath.Join(dir, "failed_requests.jsonl"))
	require.Len(t, failures, 1)
	assert.Equal(t, "perma-fail", failures[0].RequestID)
	assert.Equal(t, inference.KindClientError, failures[0].ErrorKind)
	assert.Equal(t, 1, failures[0].Attempts)
	assert.False(t, failures[0].Timestamp.IsZero())

	retries := readLogRecords(t, filepath.Join(dir, "retried_requests.jsonl"))
	require.Len(t, retries, 1)
	assert.Equal(t, "retry-then-ok", retries[0].RequestID)
	assert.Equal(t, inference.KindServerError, retries[0].ErrorKind)
	assert.Equal(t, 1, retries[0].RetryCount)
	assert.Equal(t, "m1", retries[0].Model)
	assert.Equal(t, "m1", retries[0].NextModel)
	assert.Equal(t, map[string]any{"page": float64(3)}, retries[0].Metadata)
}

func TestJobLogsRecordFallbackSwitch(t *testing.T) {
	dir := t.TempDir()
	exec := mocks.NewExecutor().
		WithModelOutcomes("m1", mocks.Outcome{Err: inference.NewError(inference.KindTimeout, "timed out")})
	cfg := fastConfig()
	cfg.LogDir = dir
	d := NewDispatcher(cfg, exec, nil)

	_, err := d.Submit(context.Background(), []*inference.Request{newReq("doc", "m1", "m2")})
	require.NoError(t, err)

	retries := readLogRecords(t, filepath.Join(dir, "retried_requests.jsonl"))
	require.Len(t, retries, 1)
	assert.Equal(t, "m1", retries[0].Model)
	assert.Equal(t, "m2", retries[0].NextModel)
	assert.Zero(t, retries[0].RetryCount, "fallback switch is not a same-model retry")
}

func TestJobLogsUnwritableDirDoesNotAbortBatch(t *testing.T) {
	// A plain file where the log directory should be makes MkdirAll fail,
	// disabling the side-channel.
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("not a directory"), 0o600))

	cfg := fastConfig()
	cfg.LogDir = occupied
	d := NewDispatcher(cfg, mocks.NewExecutor(), nil)

	results, err := d.Submit(context.Background(), []*inference.Request{newReq("a", "m1")})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
}

func TestJobLogNilReceiverIsSafe(t *testing.T) {
	var l *jobLog
	l.write(logRecord{RequestID: "r"})
	l.close()
}

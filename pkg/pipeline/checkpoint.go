package pipeline

import (
	"context"
	"time"

	"github.com/sambenson/docpipe/pkg/statestore"
)

// saveCheckpoint serializes the run context and writes it under the
// deterministic per-document key, with the configured TTL. Save failures
// are logged by the caller and never abort the run.
func saveCheckpoint(ctx context.Context, store statestore.Store, runCtx *Context, ttlSeconds int) error {
	snapshot := runCtx.StageResultsSnapshot()
	stageResults := make(map[string]statestore.StageResultRaw, len(snapshot))
	for name, r := range snapshot {
		stageResults[name] = r.toRaw()
	}
	cp := statestore.Checkpoint{
		PipelineID:   runCtx.RunID,
		DocumentID:   runCtx.DocumentID,
		Metadata:     runCtx.Metadata,
		UserData:     runCtx.UserData,
		StageResults: stageResults,
		TimestampUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return statestore.SaveCheckpoint(ctx, store, cp, time.Duration(ttlSeconds)*time.Second)
}

// restoreCheckpoint loads a prior checkpoint for documentID into runCtx, if
// one exists. Restore failures cause the run to start from scratch, per the
// checkpoint error-handling policy.
func restoreCheckpoint(ctx context.Context, store statestore.Store, runCtx *Context) (bool, error) {
	cp, ok, err := statestore.LoadCheckpoint(ctx, store, runCtx.DocumentID)
	if err != nil || !ok {
		return false, err
	}
	if runCtx.Metadata == nil {
		runCtx.Metadata = map[string]any{}
	}
	for k, v := range cp.Metadata {
		runCtx.Metadata[k] = v
	}
	for k, v := range cp.UserData {
		runCtx.UserData[k] = v
	}
	for name, raw := range cp.StageResults {
		runCtx.SetStageResult(name, stageResultFromRaw(raw))
	}
	return true, nil
}

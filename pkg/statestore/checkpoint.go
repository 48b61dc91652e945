package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// CheckpointKey builds the deterministic key a pipeline checkpoint is stored
// under: pipeline_checkpoint:<document-id>.
func CheckpointKey(documentID string) string {
	return fmt.Sprintf("pipeline_checkpoint:%s", documentID)
}

// Checkpoint is the persisted shape of a pipeline run, matching the
// "Persisted state layout" external interface.
type Checkpoint struct {
	PipelineID    string                    `msgpack:"pipeline_id"`
	DocumentID    string                    `msgpack:"document_id"`
	Metadata      map[string]any            `msgpack:"metadata"`
	UserData      map[string]any            `msgpack:"user_data"`
	StageResults  map[string]StageResultRaw `msgpack:"stage_results"`
	TimestampUTC  string                    `msgpack:"timestamp"`
}

// StageResultRaw is the checkpoint-safe encoding of pkg/pipeline.StageResult:
// this package cannot import pkg/pipeline without a cycle, so it defines the
// wire shape independently and pkg/pipeline converts to/from it.
type StageResultRaw struct {
	StageName string             `msgpack:"stage_name"`
	Status    string             `msgpack:"status"`
	StartTime string             `msgpack:"start_time"`
	EndTime   string             `msgpack:"end_time,omitempty"`
	Data      map[string]any     `msgpack:"data"`
	Error     string             `msgpack:"error,omitempty"`
	Metrics   map[string]float64 `msgpack:"metrics"`
}

// SaveCheckpoint encodes cp with msgpack and writes it under its deterministic
// key with the given TTL.
func SaveCheckpoint(ctx context.Context, store Store, cp Checkpoint, ttl time.Duration) error {
	buf := getBuffer()
	defer putBuffer(buf)
	enc := msgpack.NewEncoder(buf)
	if err := enc.Encode(cp); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	payload := make([]byte, buf.Len())
	copy(payload, buf.Bytes())
	return store.Set(ctx, CheckpointKey(cp.DocumentID), payload, ttl)
}

// LoadCheckpoint reads and decodes the checkpoint for documentID, if present.
func LoadCheckpoint(ctx context.Context, store Store, documentID string) (Checkpoint, bool, error) {
	raw, ok, err := store.Get(ctx, CheckpointKey(documentID))
	if err != nil || !ok {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := msgpack.Unmarshal(raw, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

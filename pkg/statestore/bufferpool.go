package statestore

import (
	"bytes"
	"sync"
)

// bufferPool reuses the *bytes.Buffer encoding scratch space that
// SaveCheckpoint would otherwise allocate fresh on every call,
// trimmed from the teacher's pkg/core/performance.ObjectPool/BufferFactory
// down to what checkpoint encoding needs: get-reset-put around a
// sync.Pool, no idle-eviction workers or hit-rate metrics, since
// checkpoints are encoded at most once per pipeline layer.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

func getBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func putBuffer(buf *bytes.Buffer) {
	buf.Reset()
	bufferPool.Put(buf)
}

package network

import (
	"errors"
	"fmt"
	"io"
	"iter"
)

// Chunk is one fixed-maximum-size slice of the source file.
type Chunk struct {
	Sequence int
	Payload  []byte
}

// ChunkCount returns ceil(size/maxPayload), zero for an empty file.
func ChunkCount(size int64, maxPayload int) int {
	if size <= 0 || maxPayload <= 0 {
		return 0
	}
	return int((size + int64(maxPayload) - 1) / int64(maxPayload))
}

// Chunks lazily splits r into maxPayload-sized chunks numbered from zero. The
// last chunk may be shorter and is never empty. The sequence consumes r and
// cannot be restarted.
func Chunks(r io.Reader, maxPayload int) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		if maxPayload <= 0 {
			yield(Chunk{}, fmt.Errorf("chunk: max payload must be > 0, got %d", maxPayload))
			return
		}

		for sequence := 0; ; sequence++ {
			buf := make([]byte, maxPayload)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if !yield(Chunk{Sequence: sequence, Payload: buf[:n]}, nil) {
					return
				}
			}
			switch {
			case err == nil:
				continue
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return
			default:
				yield(Chunk{}, fmt.Errorf("read chunk %d: %w", sequence, err))
				return
			}
		}
	}
}

// CollectChunks materializes the whole chunk sequence so it can be
// retransmitted without re-reading the source.
func CollectChunks(r io.Reader, maxPayload int) ([]Chunk, error) {
	chunks := make([]Chunk, 0)
	for chunk, err := range Chunks(r, maxPayload) {
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
)

// LocalClient is an in-process BatchClient that derives deterministic vectors
// from a hash of each text. Used when no embedding provider is configured.
type LocalClient struct {
	Dimensions int
	// PendingPolls is how many polls report Pending before completion.
	PendingPolls int

	mu      sync.Mutex
	seq     int
	batches map[string]*localBatch
}

type localBatch struct {
	items []IndexedText
	polls int
}

// NewLocalClient creates a LocalClient producing vectors of the given size.
func NewLocalClient(dimensions int) *LocalClient {
	if dimensions <= 0 {
		dimensions = 8
	}
	return &LocalClient{Dimensions: dimensions, batches: make(map[string]*localBatch)}
}

// Submit records the batch.
func (c *LocalClient) Submit(_ context.Context, items []IndexedText) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.batches == nil {
		c.batches = make(map[string]*localBatch)
	}
	c.seq++
	id := fmt.Sprintf("local-batch-%d", c.seq)
	c.batches[id] = &localBatch{items: append([]IndexedText(nil), items...)}
	return id, nil
}

// Poll completes the batch after PendingPolls pending answers.
func (c *LocalClient) Poll(_ context.Context, batchID string) (*PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.batches[batchID]
	if !ok {
		return nil, &Error{Op: "poll", Message: "unknown batch " + batchID, Cause: ErrBatchFailed, permanent: true}
	}
	b.polls++
	if b.polls <= c.PendingPolls {
		return &PollResult{Status: StatusInProgress, Pending: true}, nil
	}

	vectors := make(map[int][]float32, len(b.items))
	for _, item := range b.items {
		vectors[item.Index] = hashVector(item.Text, c.Dimensions)
	}
	return &PollResult{Status: StatusCompleted, Vectors: vectors}, nil
}

// hashVector expands sha256(text) into a unit vector.
func hashVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	seed := sha256.Sum256([]byte(text))
	var norm float64
	for i := 0; i < dims; i++ {
		block := sha256.Sum256(append(seed[:], byte(i)))
		v := float64(int32(binary.BigEndian.Uint32(block[:4]))) / math.MaxInt32
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

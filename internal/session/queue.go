package session

import (
	"sync"

	"github.com/pasgo/pascli/internal/pasco"
)

// sampleQueue is one measurement's FIFO of samples. Pushes and drains are
// mutually exclusive; the queue grows as needed and never drops. The
// vendor stream rate is low relative to host processing, so a slow
// consumer only delays flushing, it never loses data.
type sampleQueue struct {
	mu      sync.Mutex
	samples []pasco.Sample
}

func newSampleQueue() *sampleQueue {
	return &sampleQueue{}
}

func (q *sampleQueue) push(s pasco.Sample) {
	q.mu.Lock()
	q.samples = append(q.samples, s)
	q.mu.Unlock()
}

// drain removes and returns every buffered sample in delivery order.
func (q *sampleQueue) drain() []pasco.Sample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples) == 0 {
		return nil
	}
	out := q.samples
	q.samples = nil
	return out
}

func (q *sampleQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

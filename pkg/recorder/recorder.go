// Package recorder holds the in-memory, concurrency-safe append-only log of
// captured exchanges a recording proxy instance owns exclusively.
package recorder

import (
	"sync"

	"github.com/google/uuid"
	"github.com/webmock-go/webmock/pkg/record"
)

// Recorder is safe for concurrent Record calls; Snapshot returns a copy so
// readers (e.g. the capture orchestrator polling for network idle) never
// observe a torn slice.
type Recorder struct {
	mu  sync.Mutex
	log []record.Exchange
}

// New returns an empty recorder.
func New() *Recorder {
	return &Recorder{}
}

// Record appends e to the log, assigning a diagnostic ID if one wasn't
// already set.
func (r *Recorder) Record(e record.Exchange) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, e)
}

// Snapshot returns a copy of the current log contents.
func (r *Recorder) Snapshot() []record.Exchange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]record.Exchange, len(r.log))
	copy(out, r.log)
	return out
}

// Clear truncates the log.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = r.log[:0]
}

// Len reports the current log length, used by the capture orchestrator's
// network-idle poll.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}

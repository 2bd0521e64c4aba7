package pipeline

import "sync"

// RunLocks allows at most one in-flight run per equipment.
type RunLocks struct {
	mu   sync.Mutex
	held map[string]string // equipment id -> run id
}

// NewRunLocks creates an empty lock table.
func NewRunLocks() *RunLocks {
	return &RunLocks{held: make(map[string]string)}
}

// TryAcquire takes the lock for equipmentID on behalf of runID.
func (l *RunLocks) TryAcquire(equipmentID, runID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[equipmentID]; busy {
		return false
	}
	l.held[equipmentID] = runID
	return true
}

// Release frees the lock if runID still holds it.
func (l *RunLocks) Release(equipmentID, runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[equipmentID] == runID {
		delete(l.held, equipmentID)
	}
}

// Holder returns the run currently holding equipmentID's lock.
func (l *RunLocks) Holder(equipmentID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[equipmentID]
	return id, ok
}

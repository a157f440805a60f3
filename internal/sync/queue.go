package sync

import "sync"

// DownloadQueue reports on media transfers owned by a host download
// manager. The engine consults it to tell an in-progress transfer apart
// from an abandoned one, and to bound how much new work one cycle takes
// on.
type DownloadQueue interface {
	// InQueue reports whether the local item's media transfer is active.
	InQueue(localItemID string) bool

	// ActiveCount returns the number of active transfers.
	ActiveCount() int
}

// NoQueue is the DownloadQueue used when the engine performs transfers
// itself: nothing is ever externally in flight.
type NoQueue struct{}

func (NoQueue) InQueue(string) bool { return false }
func (NoQueue) ActiveCount() int    { return 0 }

// MemoryQueue is a thread-safe in-memory DownloadQueue for hosts that
// manage transfers out of band.
type MemoryQueue struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{active: make(map[string]struct{})}
}

// Add marks a local item's transfer as active.
func (q *MemoryQueue) Add(localItemID string) {
	q.mu.Lock()
	q.active[localItemID] = struct{}{}
	q.mu.Unlock()
}

// Done removes a local item's transfer.
func (q *MemoryQueue) Done(localItemID string) {
	q.mu.Lock()
	delete(q.active, localItemID)
	q.mu.Unlock()
}

// InQueue reports whether the local item's transfer is active.
func (q *MemoryQueue) InQueue(localItemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[localItemID]
	return ok
}

// ActiveCount returns the number of active transfers.
func (q *MemoryQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.active)
}

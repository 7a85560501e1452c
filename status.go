package localfirst

import (
	"sync"
)

// SyncStatus aggregates connectivity and queue state into snapshots. It
// holds no state of its own beyond its subscribers.
type SyncStatus struct {
	conn  *Connectivity
	queue *OfflineQueue

	mu     sync.Mutex
	subs   map[chan SyncStatusSnapshot]struct{}
	detach []func()
}

// NewSyncStatus observes conn and queue. Call Close to stop observing.
func NewSyncStatus(conn *Connectivity, queue *OfflineQueue) *SyncStatus {
	s := &SyncStatus{
		conn:  conn,
		queue: queue,
		subs:  make(map[chan SyncStatusSnapshot]struct{}),
	}
	s.detach = append(s.detach,
		conn.OnChange(func(ConnState, ConnState, Trigger) { s.publish() }),
		queue.OnChange(s.publish),
	)
	return s
}

// Snapshot recomputes the current status.
func (s *SyncStatus) Snapshot() SyncStatusSnapshot {
	state := s.conn.State()
	snap := SyncStatusSnapshot{
		IsOnline:        state == StateOnline,
		State:           state,
		PendingCount:    s.queue.Len(),
		DeadLetterCount: len(s.queue.DeadLetters()),
		LastSyncedAt:    s.queue.LastSyncedAt(),
	}
	if msg := s.queue.LastError(); msg != "" {
		snap.LastError = &msg
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot after every change. The
// channel keeps only the latest undelivered snapshot.
func (s *SyncStatus) Subscribe() <-chan SyncStatusSnapshot {
	ch := make(chan SyncStatusSnapshot, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe releases a channel returned by Subscribe and closes it.
func (s *SyncStatus) Unsubscribe(ch <-chan SyncStatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

// Close detaches from the observed components and closes every subscription.
func (s *SyncStatus) Close() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	for c := range s.subs {
		delete(s.subs, c)
		close(c)
	}
	s.mu.Unlock()
	for _, d := range detach {
		d()
	}
}

// publish computes the snapshot under s.mu so concurrent publishes deliver
// in the order they read state.
func (s *SyncStatus) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for c := range s.subs {
		select {
		case <-c:
		default:
		}
		select {
		case c <- snap:
		default:
		}
	}
}

package server

import (
	"sync"
	"time"
)

// PendingAck tracks one outbound DELTA awaiting ACK from a specific
// connection, per spec.md §4.11's ACK/retry rule: resend on timeout
// up to maxRetries, then give up silently (the client recovers via
// SYNC_REQUEST on reconnect).
type PendingAck struct {
	MessageID string
	ConnID    string
	Attempts  int
	Resend    func()
}

// AckTracker owns every connection's in-flight PendingAcks.
type AckTracker struct {
	mu          sync.Mutex
	pending     map[string]*PendingAck // messageID -> ack
	byConn      map[string]map[string]struct{}
	ackTimeout  time.Duration
	maxRetries  int
	timers      map[string]*time.Timer
}

// NewAckTracker returns a tracker that resends after ackTimeout, up
// to maxRetries times, before giving up on a message.
func NewAckTracker(ackTimeout time.Duration, maxRetries int) *AckTracker {
	return &AckTracker{
		pending:    make(map[string]*PendingAck),
		byConn:     make(map[string]map[string]struct{}),
		timers:     make(map[string]*time.Timer),
		ackTimeout: ackTimeout,
		maxRetries: maxRetries,
	}
}

// Track registers a freshly sent DELTA awaiting ACK, scheduling its
// first resend timer.
func (t *AckTracker) Track(messageID, connID string, resend func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ack := &PendingAck{MessageID: messageID, ConnID: connID, Resend: resend}
	t.pending[messageID] = ack
	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]struct{})
	}
	t.byConn[connID][messageID] = struct{}{}
	t.scheduleLocked(ack)
}

func (t *AckTracker) scheduleLocked(ack *PendingAck) {
	t.timers[ack.MessageID] = time.AfterFunc(t.ackTimeout, func() {
		t.fire(ack.MessageID)
	})
}

func (t *AckTracker) fire(messageID string) {
	t.mu.Lock()
	ack, ok := t.pending[messageID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ack.Attempts++
	if ack.Attempts > t.maxRetries {
		t.removeLocked(messageID)
		t.mu.Unlock()
		return
	}
	t.scheduleLocked(ack)
	resend := ack.Resend
	t.mu.Unlock()
	resend()
}

// Ack clears messageID's pending retry, called when the real ACK
// frame arrives.
func (t *AckTracker) Ack(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(messageID)
}

func (t *AckTracker) removeLocked(messageID string) {
	ack, ok := t.pending[messageID]
	if !ok {
		return
	}
	if timer, ok := t.timers[messageID]; ok {
		timer.Stop()
		delete(t.timers, messageID)
	}
	delete(t.pending, messageID)
	delete(t.byConn[ack.ConnID], messageID)
}

// DropConnection removes every PendingAck belonging to connID,
// called on connection close per spec.md §4.11.
func (t *AckTracker) DropConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for messageID := range t.byConn[connID] {
		if timer, ok := t.timers[messageID]; ok {
			timer.Stop()
			delete(t.timers, messageID)
		}
		delete(t.pending, messageID)
	}
	delete(t.byConn, connID)
}

// Pending returns the number of in-flight acks, for diagnostics.
func (t *AckTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

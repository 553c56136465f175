package realtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

type requestOutcome struct {
	envelope *Envelope
	err      error
}

type PendingRequest struct {
	messageId Id
	sentAt    time.Time
	timeout   time.Duration

	// buffered with capacity 1.
	// removal from the tracker map is the single-completion guard:
	// whichever path removes the entry is the only writer.
	result chan requestOutcome
}

func (self *PendingRequest) MessageId() Id {
	return self.messageId
}

// correlates outgoing request ids to their completions.
// accessed concurrently by callers (add/await), the receive loop
// (complete), and timeouts/cancellation (fail/remove).
type RequestTracker struct {
	stateLock sync.Mutex
	requests  map[Id]*PendingRequest
}

func NewRequestTracker() *RequestTracker {
	return &RequestTracker{
		requests: map[Id]*PendingRequest{},
	}
}

func (self *RequestTracker) Add(messageId Id, timeout time.Duration) *PendingRequest {
	pending := &PendingRequest{
		messageId: messageId,
		sentAt:    time.Now(),
		timeout:   timeout,
		result:    make(chan requestOutcome, 1),
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.requests[messageId] = pending
	return pending
}

func (self *RequestTracker) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.requests)
}

// removes the entry if still present.
// exactly one caller observes true for a given id.
func (self *RequestTracker) remove(messageId Id) (*PendingRequest, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending, ok := self.requests[messageId]
	if !ok {
		return nil, false
	}
	delete(self.requests, messageId)
	return pending, true
}

// completes the pending request matching the envelope's message id.
// returns false if the envelope does not correlate to a pending request,
// in which case the envelope is a broadcast.
func (self *RequestTracker) Complete(envelope *Envelope) bool {
	pending, ok := self.remove(envelope.MessageId)
	if !ok {
		return false
	}
	pending.result <- requestOutcome{
		envelope: envelope,
	}
	return true
}

func (self *RequestTracker) Fail(messageId Id, err error) bool {
	pending, ok := self.remove(messageId)
	if !ok {
		return false
	}
	pending.result <- requestOutcome{
		err: err,
	}
	return true
}

// fails every still-pending request. used on connection loss so callers
// can distinguish "never got a chance to answer" from an explicit timeout.
func (self *RequestTracker) FailAll(err error) int {
	self.stateLock.Lock()
	pendings := maps.Values(self.requests)
	maps.Clear(self.requests)
	self.stateLock.Unlock()

	for _, pending := range pendings {
		pending.result <- requestOutcome{
			err: err,
		}
	}
	return len(pendings)
}

// suspends the caller until response, timeout, or cancellation.
// the pending entry is removed on every path.
func (self *RequestTracker) Await(ctx context.Context, pending *PendingRequest) (*Envelope, error) {
	timer := time.NewTimer(pending.timeout)
	defer timer.Stop()

	select {
	case outcome := <-pending.result:
		return outcome.envelope, outcome.err
	case <-timer.C:
		if _, ok := self.remove(pending.messageId); ok {
			return nil, &RequestTimeoutError{
				MessageId: pending.messageId,
				Elapsed:   time.Since(pending.sentAt),
			}
		}
		// the response won the race against the timer
		outcome := <-pending.result
		return outcome.envelope, outcome.err
	case <-ctx.Done():
		if _, ok := self.remove(pending.messageId); ok {
			return nil, ctx.Err()
		}
		outcome := <-pending.result
		return outcome.envelope, outcome.err
	}
}

// Package events implements the Event Broadcaster (spec.md §4.8): a
// process-local pub/sub fanning out run/step lifecycle events to connected
// WebSocket clients, registered by (principalId, connectionId) and delivered
// best-effort, single-attempt, non-blocking.
package events

import (
	"encoding/json"
	"sync"

	"loomctl/internal/scheduler"
)

// Frame is the wire shape pushed to a subscriber, matching spec.md §6's
// `GET /ws` frame exactly.
type Frame struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

const (
	frameTypeWorkflow = "workflow_event"
	frameTypeTask     = "task_event"
)

const subscriberBuffer = 64

type subscriber struct {
	principalID  string
	connectionID string
	send         chan []byte
}

// Broadcaster is the registry described in spec.md §5: a mapping of
// principal to a set of connection sinks, protected by a RWMutex since it's
// mutated by connection open/close and read by every publish.
type Broadcaster struct {
	mu    sync.RWMutex
	conns map[string]map[string]*subscriber
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{conns: make(map[string]map[string]*subscriber)}
}

// Register adds a subscriber and returns a channel of outbound frames plus
// an unregister func the caller must call when the connection closes.
func (b *Broadcaster) Register(principalID, connectionID string) (<-chan []byte, func()) {
	sub := &subscriber{principalID: principalID, connectionID: connectionID, send: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	if b.conns[principalID] == nil {
		b.conns[principalID] = make(map[string]*subscriber)
	}
	b.conns[principalID][connectionID] = sub
	b.mu.Unlock()

	unregister := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if conns, ok := b.conns[principalID]; ok {
			if existing, ok := conns[connectionID]; ok && existing == sub {
				close(sub.send)
				delete(conns, connectionID)
			}
			if len(conns) == 0 {
				delete(b.conns, principalID)
			}
		}
	}
	return sub.send, unregister
}

// Publish implements scheduler.Publisher. The Run/Step data model (spec.md
// §3) carries no owning principal -- ownership lives in an external
// collaborator per spec.md §1 -- so a scheduler-originated event is fanned
// out to every currently connected subscriber rather than filtered to one
// principal; PublishToPrincipal exists for callers (the API layer) that do
// know the recipient.
func (b *Broadcaster) Publish(e scheduler.Event) {
	frame := Frame{
		Type:    frameType(e.Type),
		Event:   e.Type,
		Payload: eventPayload(e),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	b.mu.RLock()
	var dead []droppedSend
	for _, conns := range b.conns {
		for connID, sub := range conns {
			if !trySend(sub, data) {
				dead = append(dead, droppedSend{principalID: sub.principalID, connectionID: connID, sub: sub})
			}
		}
	}
	b.mu.RUnlock()

	for _, d := range dead {
		b.drop(d.principalID, d.connectionID, d.sub)
	}
}

// PublishToPrincipal sends a frame only to connections registered under the
// given principal, for callers that know the intended recipient.
func (b *Broadcaster) PublishToPrincipal(principalID, eventName string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	frame := Frame{Type: frameType(eventName), Event: eventName, Payload: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	b.mu.RLock()
	conns := b.conns[principalID]
	var dead []droppedSend
	for connID, sub := range conns {
		if !trySend(sub, data) {
			dead = append(dead, droppedSend{principalID: principalID, connectionID: connID, sub: sub})
		}
	}
	b.mu.RUnlock()

	for _, d := range dead {
		b.drop(d.principalID, d.connectionID, d.sub)
	}
}

type droppedSend struct {
	principalID  string
	connectionID string
	sub          *subscriber
}

// trySend is a single-attempt, non-blocking delivery: a subscriber whose
// buffer is already full is reported as dead rather than waited on, per
// spec.md §4.8's "single-attempt, non-blocking" delivery design.
func trySend(sub *subscriber, data []byte) bool {
	select {
	case sub.send <- data:
		return true
	default:
		return false
	}
}

func (b *Broadcaster) drop(principalID, connID string, expect *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.conns[principalID]; ok {
		if existing, ok := conns[connID]; ok && existing == expect {
			close(existing.send)
			delete(conns, connID)
		}
		if len(conns) == 0 {
			delete(b.conns, principalID)
		}
	}
}

func frameType(eventName string) string {
	if len(eventName) >= 5 && eventName[:5] == "step." {
		return frameTypeTask
	}
	return frameTypeWorkflow
}

func eventPayload(e scheduler.Event) json.RawMessage {
	raw, _ := json.Marshal(struct {
		RunID  string `json:"runId"`
		StepID string `json:"stepId,omitempty"`
	}{RunID: e.RunID, StepID: e.StepID})
	return raw
}

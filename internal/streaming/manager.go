// Package streaming fans orchestrator events out to in-process
// subscribers, with per-scope ring buffers for replay and an optional
// mirror onto Redis Streams for external consumers.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published by the orchestrator.
const (
	TypeAgentSpawned    = "agent_spawned"
	TypeAgentExecuting  = "agent_executing"
	TypeAgentCompleted  = "agent_completed"
	TypeAgentFailed     = "agent_failed"
	TypeAgentTerminated = "agent_terminated"
	TypeAgentPaused     = "agent_paused"
	TypeAgentResumed    = "agent_resumed"

	TypeMessageQueued = "message_queued"

	TypeGraphCreated  = "workflow_graph_created"
	TypeGraphFinished = "workflow_graph_finished"
	TypeNodeSpawned   = "workflow_node_spawned"
)

// Firehose is the scope that receives every published event.
const Firehose = "*"

// AgentScope is the stream key for one agent's events.
func AgentScope(id uuid.UUID) string {
	return "agent:" + id.String()
}

// GraphScope is the stream key for one workflow graph's events.
func GraphScope(id uuid.UUID) string {
	return "graph:" + id.String()
}

// Event is one orchestrator state change. Seq is per-scope monotonic and
// assigned at publish time.
type Event struct {
	Seq       uint64                 `json:"seq"`
	Type      string                 `json:"type"`
	AgentID   string                 `json:"agent_id,omitempty"`
	GraphID   string                 `json:"graph_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Marshal returns the event as JSON for stream entries and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager is the in-process event hub. All methods are safe on a nil
// receiver so services can hold an unconfigured *Manager and publish
// unconditionally.
type Manager struct {
	mu       sync.RWMutex
	subs     map[string]map[chan Event]struct{}
	rings    map[string]*ring
	capacity int
	mirror   *RedisMirror
	recorder *Recorder
	logger   *zap.Logger
}

// NewManager creates an event hub with the given per-scope replay capacity.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subs:     make(map[string]map[chan Event]struct{}),
		rings:    make(map[string]*ring),
		capacity: capacity,
		logger:   logger,
	}
}

// SetMirror attaches a Redis Streams mirror. Every published event is
// also enqueued there.
func (m *Manager) SetMirror(mirror *RedisMirror) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// SetRecorder attaches the event log recorder. Every published event is
// also enqueued for persistence.
func (m *Manager) SetRecorder(recorder *Recorder) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.recorder = recorder
	m.mu.Unlock()
}

// Publish assigns the next sequence number for the scope, records the
// event for replay, and delivers it to scope and firehose subscribers.
// Slow subscribers are skipped rather than blocked on.
func (m *Manager) Publish(scope string, evt Event) {
	if m == nil || scope == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	if scope != Firehose {
		rg := m.rings[scope]
		if rg == nil {
			rg = newRing(m.capacity)
			m.rings[scope] = rg
		}
		evt.Seq = rg.nextSeq
		rg.nextSeq++
		rg.push(evt)
	}
	targets := make([]chan Event, 0, 4)
	for ch := range m.subs[scope] {
		targets = append(targets, ch)
	}
	if scope != Firehose {
		for ch := range m.subs[Firehose] {
			targets = append(targets, ch)
		}
	}
	mirror := m.mirror
	recorder := m.recorder
	m.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop for them. Replay covers the gap.
		}
	}

	if mirror != nil {
		mirror.Enqueue(scope, evt)
	}
	if recorder != nil {
		recorder.Enqueue(scope, evt)
	}
}

// Subscribe returns a channel receiving future events for the scope.
// Pass Firehose to receive everything. The caller must drain the channel
// and call Unsubscribe when done.
func (m *Manager) Subscribe(scope string, buffer int) chan Event {
	if m == nil {
		return nil
	}
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.mu.Lock()
	subs := m.subs[scope]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subs[scope] = subs
	}
	subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (m *Manager) Unsubscribe(scope string, ch chan Event) {
	if m == nil || ch == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subs[scope]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(m.subs, scope)
			}
		}
	}
}

// ReplaySince returns retained events with Seq > since, oldest first.
// Retention is bounded by the ring capacity.
func (m *Manager) ReplaySince(scope string, since uint64) []Event {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	rg := m.rings[scope]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	return out
}

// Forget drops the scope's replay history and closes its subscribers.
// Called when the agent tree or graph the scope belongs to is gone.
func (m *Manager) Forget(scope string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rings, scope)
	for ch := range m.subs[scope] {
		close(ch)
	}
	delete(m.subs, scope)
}

// ring is a fixed-capacity buffer of recent events for one scope.
// Sequence numbers start at 1 so ReplaySince(scope, 0) means everything.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

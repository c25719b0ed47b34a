// Package stream implements the Stream Channel Manager: negotiated
// out-of-band streams carrying high-volume data (reasoning traces, large
// tool outputs, media) outside the envelope-per-message flow, per
// spec.md §4.7.
//
// stream.go is grounded on internal/broker/service.go's Pipe (a named,
// buffered point-to-point channel between two connections), generalized
// from an unordered message pipe to a sequence-tracked stream with
// strictly-increasing sequence validation, idle-timeout force-close, and
// negotiation (stream/request -> stream/open) that the teacher's Pipe —
// pre-wired by configuration, never negotiated at runtime — does not
// need.
package stream

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// DefaultIdleTimeout is how long a stream may sit without activity
// before the manager force-closes it.
const DefaultIdleTimeout = 5 * time.Minute

// Direction describes which side is expected to produce stream data.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
	DirectionDuplex  Direction = "duplex"
)

// Stream tracks one negotiated out-of-band channel.
type Stream struct {
	ID          string
	SpaceID     string
	Opener      string // participant id that sent stream/request
	Peer        string // the addressed counterpart, if any
	Direction   Direction
	Description string

	mu           sync.Mutex
	nextSequence int
	lastActivity time.Time
	closed       bool
}

// WarningFunc reports a non-fatal stream condition (e.g. an out-of-order
// sequence) to whatever observability the gateway wires in (spec.md
// §4.7: "does not terminate the stream by default").
type WarningFunc func(streamID, message string)

// CloseFunc is invoked when a stream is removed, with the reason code
// ("close", "error", or "idle_timeout").
type CloseFunc func(s *Stream, reason string)

// Manager tracks every negotiated stream in a space and enforces idle
// timeouts.
type Manager struct {
	mu      sync.Mutex
	streams map[string]*Stream

	idleTimeout time.Duration
	onWarning   WarningFunc
	onClose     CloseFunc

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager constructs a Manager with the given idle timeout (0 selects
// DefaultIdleTimeout) and starts its idle-sweep goroutine.
func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		streams:     make(map[string]*Stream),
		idleTimeout: idleTimeout,
		stopSweep:   make(chan struct{}),
	}
	go m.sweepIdle()
	return m
}

// OnWarning registers the non-fatal-condition reporter.
func (m *Manager) OnWarning(fn WarningFunc) { m.onWarning = fn }

// OnClose registers the stream-removal callback.
func (m *Manager) OnClose(fn CloseFunc) { m.onClose = fn }

// Open negotiates a new stream from a stream/request envelope, returning
// the Stream and the stream/open reply to send back to the requester.
func (m *Manager) Open(spaceID string, request *envelope.Envelope, direction Direction, description string) (*Stream, *envelope.Envelope, error) {
	s := &Stream{
		ID:           uuid.New().String(),
		SpaceID:      spaceID,
		Opener:       request.From,
		Direction:    direction,
		Description:  description,
		lastActivity: time.Now(),
	}
	if !request.IsBroadcast() {
		s.Peer = request.To[0]
	}

	m.mu.Lock()
	m.streams[s.ID] = s
	m.mu.Unlock()

	reply, err := envelope.Reply(request, "gateway", "stream/open", map[string]string{"stream_id": s.ID})
	if err != nil {
		return nil, nil, fmt.Errorf("build stream/open reply: %w", err)
	}
	return s, reply, nil
}

// Get returns the stream for id, or nil.
func (m *Manager) Get(id string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

// Touch updates a stream's sequence tracking for an inbound chunk of
// sequence `seq`, reporting a gap via onWarning without closing the
// stream (per spec.md §4.7's "does not terminate the stream by default").
func (m *Manager) Touch(id string, seq int) {
	s := m.Get(id)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()

	if seq != s.nextSequence {
		if m.onWarning != nil {
			m.onWarning(id, fmt.Sprintf("out-of-order sequence: got %d, expected %d", seq, s.nextSequence))
		}
	}
	if seq >= s.nextSequence {
		s.nextSequence = seq + 1
	}
}

// Close removes a stream's routing state and invokes onClose with the
// given reason ("close", "error", or "idle_timeout").
func (m *Manager) Close(id, reason string) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if m.onClose != nil {
		m.onClose(s, reason)
	}
}

// Shutdown stops the idle-sweep goroutine. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepIdle() {
	ticker := time.NewTicker(m.idleTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.closeIdleStreams()
		}
	}
}

func (m *Manager) closeIdleStreams() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, s := range m.streams {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > m.idleTimeout
		s.mu.Unlock()
		if idle {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		log.Printf("stream %s: idle timeout exceeded, force-closing", id)
		m.Close(id, "idle_timeout")
	}
}

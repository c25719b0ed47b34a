// Package participant implements the client-side counterpart of the
// gateway: join/welcome handshake, capability-aware send, MCP request
// dispatch, and automatic reconnect, per spec.md §4.8.
//
// Grounded on public/agent/framework.go's AgentFramework (connect, run a
// message loop, handle shutdown) and internal/client/broker.go's
// request/response correlation pattern, adapted from JSON-RPC-over-broker
// to envelope-over-connection: Runtime dials the gateway directly with
// internal/connection's length-prefixed framing rather than going through
// a support-service discovery step.
package participant

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/connection"
	"github.com/rjcorwin/mew-protocol-sub005/internal/correlation"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/tokencount"
)

// DefaultReconnectBaseDelay and DefaultReconnectMaxDelay bound the
// exponential backoff used by reconnectLoop.
const (
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// RequestHandler answers an inbound `mcp/request` this participant holds
// `mcp/response` capability for (tools/list, tools/call, resources/list,
// resources/read). Returning an error causes Runtime to reply with an
// mcp/response error payload.
type RequestHandler func(req *envelope.Envelope) (interface{}, error)

// Config configures a Runtime.
type Config struct {
	GatewayAddr  string
	Token        string
	RequestedID  string
	Capabilities []capability.Capability
	Debug        bool

	// Counter, if set, backs both context-usage tracking and the
	// oversized-payload chunking Send performs before an envelope would
	// be rejected by the gateway's ingress size cap. Nil disables both.
	Counter tokencount.Counter
}

// Runtime is one participant's live connection to a gateway: it owns the
// wire connection, the locally known capability grant, the MCP
// correlation table, the discovered-tools cache, and context-usage
// tracking.
type Runtime struct {
	cfg Config

	mu           sync.RWMutex
	id           string
	capabilities []capability.Capability
	conn         *connection.Connection

	pending  *correlation.PendingTable
	handlers map[string]RequestHandler

	tools   *ToolsCache
	context *UsageTracker

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Runtime in the disconnected state. Call Connect to
// dial the gateway and begin the read loop.
func New(cfg Config) *Runtime {
	var tracker *UsageTracker
	if cfg.Counter != nil {
		tracker = NewUsageTracker(cfg.Counter)
	} else {
		tracker = NewUsageTracker()
	}
	return &Runtime{
		cfg:          cfg,
		id:           cfg.RequestedID,
		capabilities: cfg.Capabilities,
		pending:      correlation.NewPendingTable(),
		handlers:     make(map[string]RequestHandler),
		tools:        NewToolsCache(DefaultToolsCacheTTL),
		context:      tracker,
		stop:         make(chan struct{}),
	}
}

// OnRequest registers the handler invoked for inbound mcp/request
// envelopes whose payload method matches name (e.g. "tools/call").
func (r *Runtime) OnRequest(method string, fn RequestHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = fn
}

// ID returns the participant id assigned (or confirmed) by the most
// recent welcome.
func (r *Runtime) ID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.id
}

// Connect dials the gateway once, blocking until the welcome envelope
// arrives or the attempt fails. Callers that want automatic reconnection
// should use Run instead.
func (r *Runtime) Connect() error {
	conn, err := net.Dial("tcp", r.cfg.GatewayAddr)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", r.cfg.GatewayAddr, err)
	}

	c := connection.New(conn, connection.DefaultSendQueueDepth, 30*time.Second, 3)
	c.OnBackpressure(func(*connection.Connection) {
		log.Printf("participant %s: gateway closed connection for backpressure", r.ID())
	})

	welcomeCh := make(chan *envelope.Envelope, 1)
	go c.ReadLoop(func(env *envelope.Envelope) {
		r.dispatch(env, welcomeCh)
	}, func(frame connection.StreamFrame) {
		log.Printf("participant %s: received stream frame for %s (%d bytes), no local stream consumer wired", r.ID(), frame.StreamID, len(frame.Data))
	})

	join, err := envelope.New(r.cfg.RequestedID, "system/join", nil, map[string]interface{}{
		"token":        r.cfg.Token,
		"requested_id": r.cfg.RequestedID,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("build join envelope: %w", err)
	}
	if err := c.SendEnvelope(join); err != nil {
		conn.Close()
		return fmt.Errorf("send join: %w", err)
	}

	select {
	case welcome := <-welcomeCh:
		var body struct {
			You struct {
				ID           string                  `json:"id"`
				Capabilities []capability.Capability `json:"capabilities"`
			} `json:"you"`
		}
		if err := welcome.UnmarshalPayload(&body); err != nil {
			conn.Close()
			return fmt.Errorf("decode welcome: %w", err)
		}

		r.mu.Lock()
		r.id = body.You.ID
		r.capabilities = body.You.Capabilities
		r.conn = c
		r.mu.Unlock()

	case <-time.After(10 * time.Second):
		conn.Close()
		return fmt.Errorf("timed out waiting for system/welcome")
	}

	return nil
}

// Run connects and reconnects with exponential backoff until Stop is
// called, per spec.md's Failure Semantics: "the gateway treats each new
// connection as a fresh join (old pending state is lost; the client must
// rebuild)". Every reconnect clears pending requests and the tools cache.
func (r *Runtime) Run() {
	delay := DefaultReconnectBaseDelay
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		if err := r.Connect(); err != nil {
			log.Printf("participant %s: connect failed: %v (retrying in %v)", r.cfg.RequestedID, err, delay)
			select {
			case <-time.After(delay):
			case <-r.stop:
				return
			}
			delay = nextBackoff(delay)
			continue
		}

		delay = DefaultReconnectBaseDelay
		log.Printf("participant %s: connected and active", r.ID())

		r.waitForDisconnect()
		r.pending.CancelAll(fmt.Errorf("connection closed"))
		r.tools.Clear()
	}
}

// Stop halts the reconnect loop and closes the current connection.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > DefaultReconnectMaxDelay {
		next = DefaultReconnectMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(next) / 4))
	return next + jitter
}

func (r *Runtime) waitForDisconnect() {
	r.mu.RLock()
	c := r.conn
	r.mu.RUnlock()
	if c == nil {
		return
	}
	<-c.Done()
}

// Send delivers env on the active connection, prefering a direct
// mcp/request when capability allows it; otherwise it rewrites the send
// into an mcp/proposal with explicit targets per spec.md §4.8. Non-MCP
// kinds are sent as-is once capability-checked. A payload too large for
// the gateway's ingress size cap is split with envelope.ChunkEnvelope
// and sent as a sequence, when a counter is wired.
func (r *Runtime) Send(env *envelope.Envelope) error {
	r.mu.RLock()
	caps := r.capabilities
	conn := r.conn
	r.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}

	if env.Kind == "mcp/request" && !capability.CanSend(caps, env) {
		if !capability.CanSend(caps, reclassify(env, "mcp/proposal")) {
			return fmt.Errorf("capability error: participant %s holds neither mcp/request nor mcp/proposal for %v", r.ID(), env.To)
		}
		env.Kind = "mcp/proposal"
	} else if !capability.CanSend(caps, env) {
		return fmt.Errorf("capability error: participant %s is not permitted to send kind %q", r.ID(), env.Kind)
	}

	counter := r.context.Counter()
	if counter == nil {
		return conn.SendEnvelope(env)
	}

	budget, err := envelope.CalculateBudget(env, counter)
	if err != nil {
		return fmt.Errorf("calculate envelope budget: %w", err)
	}
	if !budget.NeedsSplitting {
		return conn.SendEnvelope(env)
	}

	chunks, err := envelope.ChunkEnvelope(env, budget)
	if err != nil {
		return fmt.Errorf("chunk oversized envelope: %w", err)
	}
	for _, chunk := range chunks {
		if err := conn.SendEnvelope(chunk); err != nil {
			return fmt.Errorf("send chunk: %w", err)
		}
	}
	return nil
}

// Request sends an mcp/request (or proposal fallback per Send) and
// blocks until the correlated mcp/response arrives or timeout elapses.
func (r *Runtime) Request(to []string, payload interface{}, timeout time.Duration) (*envelope.Envelope, error) {
	env, err := envelope.New(r.ID(), "mcp/request", to, payload)
	if err != nil {
		return nil, fmt.Errorf("build mcp/request: %w", err)
	}

	kind := correlation.KindRequest
	if !capability.CanSend(r.snapshotCapabilities(), env) {
		kind = correlation.KindProposal
	}

	resultCh := r.pending.Register(env.ID, kind, timeout)
	if err := r.Send(env); err != nil {
		r.pending.Cancel(env.ID)
		return nil, err
	}

	result := <-resultCh
	return result.Envelope, result.Err
}

func (r *Runtime) snapshotCapabilities() []capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capabilities
}

func (r *Runtime) dispatch(env *envelope.Envelope, welcomeCh chan<- *envelope.Envelope) {
	switch env.Kind {
	case "system/welcome":
		select {
		case welcomeCh <- env:
		default:
		}
	case "system/ping":
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn != nil {
			pong, _ := envelope.Reply(env, r.ID(), "system/pong", struct{}{})
			_ = conn.SendEnvelope(pong)
		}
	case "system/pong":
		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn != nil {
			conn.NotePong()
		}
	case "system/presence":
		r.handlePresence(env)
	case "mcp/response":
		r.pending.Resolve(firstCorrelation(env), env)
	case "mcp/reject":
		r.pending.Fail(firstCorrelation(env), fmt.Errorf("proposal rejected by %s", env.From))
	case "mcp/request":
		r.handleInboundRequest(env)
	default:
	}

	r.context.Observe(env)
}

func (r *Runtime) handlePresence(env *envelope.Envelope) {
	var body struct {
		Event       string `json:"event"`
		Participant struct {
			ID string `json:"id"`
		} `json:"participant"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		return
	}
	if body.Event != "join" {
		return
	}

	peer := body.Participant.ID
	delay := time.Duration(rand.Int63n(int64(2 * time.Second)))
	time.AfterFunc(delay, func() { r.tools.Refresh(r, peer) })
}

func (r *Runtime) handleInboundRequest(req *envelope.Envelope) {
	var body struct {
		Method string `json:"method"`
	}
	if err := req.UnmarshalPayload(&body); err != nil {
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[body.Method]
	conn := r.conn
	r.mu.RUnlock()
	if !ok || conn == nil {
		return
	}

	result, err := handler(req)
	var reply *envelope.Envelope
	if err != nil {
		reply, _ = envelope.Reply(req, r.ID(), "mcp/response", map[string]interface{}{
			"error": map[string]string{"message": err.Error()},
		})
	} else {
		reply, _ = envelope.Reply(req, r.ID(), "mcp/response", map[string]interface{}{"result": result})
	}
	_ = conn.SendEnvelope(reply)
}

func firstCorrelation(env *envelope.Envelope) string {
	if len(env.CorrelationID) == 0 {
		return ""
	}
	return env.CorrelationID[0]
}

func reclassify(env *envelope.Envelope, kind string) *envelope.Envelope {
	clone := env.Clone()
	clone.Kind = kind
	return clone
}

// Package gateway ties together the connection endpoint, envelope
// codec, capability matcher, participant registry, router, correlation
// engine, stream manager, and control plane into the single TCP process
// spec.md's components describe: a persistent duplex transport that
// participants join, exchange envelopes over, and leave.
//
// Grounded on internal/broker/service.go's Service/NewService/Start/
// handleConnection shape: a net.Listener accept loop, one goroutine per
// connection, and graceful shutdown on context cancellation. Where the
// teacher's Service recognizes a handful of JSON-RPC methods
// (connect/publish/subscribe/send_pipe), Service here recognizes the
// `kind` of each inbound envelope and routes it to the matching
// subsystem instead of a flat method dispatch table.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/rjcorwin/mew-protocol-sub005/internal/capability"
	"github.com/rjcorwin/mew-protocol-sub005/internal/config"
	"github.com/rjcorwin/mew-protocol-sub005/internal/connection"
	"github.com/rjcorwin/mew-protocol-sub005/internal/control"
	"github.com/rjcorwin/mew-protocol-sub005/internal/correlation"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
	"github.com/rjcorwin/mew-protocol-sub005/internal/registry"
	"github.com/rjcorwin/mew-protocol-sub005/internal/router"
	"github.com/rjcorwin/mew-protocol-sub005/internal/stream"
)

// Options configures a Service.
type Options struct {
	Addr              string
	Resolver          config.Resolver
	Debug             bool
	SendQueueDepth    int
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	StreamIdleTimeout time.Duration
	MaxEnvelopeSize   int
}

// Service is one running gateway process, serving exactly one space per
// spec.md §4.4 ("Space — created on first join").
type Service struct {
	opts Options

	listener net.Listener

	codec     *envelope.Codec
	reg       *registry.Registry
	rtr       *router.Router
	proposals *correlation.Table
	streams   *stream.Manager
	reassem   *stream.Reassembler
	ctrl      *control.Manager
}

// gatewayCapabilities grants the synthetic "gateway" sender used to route
// gateway-authored envelopes (presence announcements, control-plane
// acknowledgments, stream negotiation replies) unconditional send rights,
// since these never originate from a participant's own capability grant.
var gatewayCapabilities = []capability.Capability{{Kind: "*"}}

// NewService constructs a gateway Service wiring every subsystem
// together, applying defaults for any zero-valued Options.
func NewService(opts Options) *Service {
	if opts.SendQueueDepth <= 0 {
		opts.SendQueueDepth = connection.DefaultSendQueueDepth
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = 3
	}
	if opts.StreamIdleTimeout <= 0 {
		opts.StreamIdleTimeout = stream.DefaultIdleTimeout
	}
	if opts.MaxEnvelopeSize <= 0 {
		opts.MaxEnvelopeSize = envelope.DefaultMaxSize
	}

	reg := registry.New()
	rtr := router.New(reg)

	svc := &Service{
		opts:      opts,
		codec:     envelope.NewCodec(opts.MaxEnvelopeSize, envelope.DefaultDedupWindow),
		reg:       reg,
		rtr:       rtr,
		proposals: correlation.NewTable(),
		streams:   stream.NewManager(opts.StreamIdleTimeout),
		reassem:   stream.NewReassembler(0),
		ctrl:      control.NewManager(reg),
	}

	rtr.OnProposalLifecycle(svc.handleProposalLifecycle)
	rtr.OnStreamEnvelope(svc.handleStreamEnvelope)
	svc.streams.OnWarning(func(streamID, message string) {
		log.Printf("gateway: stream %s: %s", streamID, message)
	})
	svc.streams.OnClose(svc.handleStreamClose)
	svc.ctrl.OnTransition(func(spaceID, participantID string, state control.State, reason string) {
		if state == control.StateActive {
			rtr.FlushPaused(spaceID, participantID)
		}
	})

	return svc
}

// gatewayFrom returns the synthetic sender identity used when the
// gateway itself routes an envelope it authored (rather than relaying
// one a participant sent), so the router's capability check never
// blocks the gateway's own replies and broadcasts.
func (s *Service) gatewayFrom(spaceID string) *registry.Participant {
	return &registry.Participant{ID: "gateway", SpaceID: spaceID, Capabilities: gatewayCapabilities}
}

// Start listens on opts.Addr and accepts connections until ctx is
// cancelled, at which point it stops accepting new connections and
// returns once the accept loop has exited.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln

	log.Printf("gateway: listening on %s", s.opts.Addr)

	go func() {
		<-ctx.Done()
		log.Printf("gateway: shutting down")
		s.streams.Shutdown()
		s.reassem.Shutdown()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("gateway: accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// handleConnection manages one participant's lifetime: join handshake,
// envelope dispatch, and de-registration on disconnect.
func (s *Service) handleConnection(netConn net.Conn) {
	c := connection.New(netConn, s.opts.SendQueueDepth, s.opts.HeartbeatInterval, s.opts.MaxMissedPongs)

	var spaceID, participantID string
	var malformedCount int
	c.OnBackpressure(func(*connection.Connection) {
		if participantID != "" {
			log.Printf("gateway: participant %s disconnected for backpressure", participantID)
		}
	})

	defer func() {
		c.Close()
		if participantID != "" {
			s.reg.Leave(spaceID, participantID)
			s.broadcastPresence(spaceID, participantID, "leave")
		}
	}()

	err := c.ReadLoop(func(env *envelope.Envelope) {
		if participantID == "" {
			id, space, ok := s.handleJoin(c, env, &malformedCount)
			if !ok {
				return
			}
			participantID, spaceID = id, space
			return
		}

		if err := s.codec.ValidateIngress(env, participantID); err != nil {
			s.handleCodecFailure(c, env, err, &malformedCount)
			return
		}

		s.dispatch(spaceID, participantID, env)
	}, func(frame connection.StreamFrame) {
		s.streams.Touch(frame.StreamID, 0)
	})

	if err != nil && participantID != "" {
		log.Printf("gateway: connection for %s closed: %v", participantID, err)
	}
}

// maxMalformedEnvelopes bounds how many non-fatal malformed envelopes a
// connection may send before the gateway terminates it, per spec.md §7
// ("repeated malformed envelopes terminate the connection").
const maxMalformedEnvelopes = 5

// handleCodecFailure replies to the sender with a system/error and, for
// fatal codec errors (auth failure, protocol mismatch) or a connection
// that has exceeded its malformed-envelope budget, closes the
// connection — spec.md §7 requires both to terminate the connection
// rather than merely error-and-continue.
func (s *Service) handleCodecFailure(c *connection.Connection, env *envelope.Envelope, err error, malformedCount *int) {
	codecErr, ok := err.(*envelope.CodecError)
	if !ok {
		codecErr = &envelope.CodecError{Code: envelope.ErrInternal, Message: err.Error()}
	}
	to := ""
	if env != nil {
		to = env.From
	}
	_ = c.SendEnvelope(codecErr.ToErrorEnvelope(to))

	if codecErr.Fatal {
		log.Printf("gateway: terminating connection: %v", codecErr)
		c.Close()
		return
	}

	if codecErr.Code == envelope.ErrMalformedEnvelope {
		*malformedCount++
		if *malformedCount >= maxMalformedEnvelopes {
			log.Printf("gateway: terminating connection after %d malformed envelopes", *malformedCount)
			c.Close()
		}
	}
}

// handleJoin processes the first envelope on a new connection, which
// must be system/join: it resolves the bearer token, registers the
// participant, and replies with system/welcome, per spec.md §4.4 step 2.
// Protocol mismatches and auth failures are Fatal — handleCodecFailure
// terminates the connection after replying, per spec.md §7.
func (s *Service) handleJoin(c *connection.Connection, env *envelope.Envelope, malformedCount *int) (participantID, spaceID string, ok bool) {
	if env.Kind != "system/join" {
		s.handleCodecFailure(c, env, &envelope.CodecError{Code: envelope.ErrProtocolMismatch, Message: "first envelope must be system/join", Fatal: true}, malformedCount)
		return "", "", false
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		s.handleCodecFailure(c, env, &envelope.CodecError{Code: envelope.ErrMalformedEnvelope, Message: "malformed join payload"}, malformedCount)
		return "", "", false
	}

	grant, err := s.opts.Resolver.Resolve(body.Token)
	if err != nil {
		s.handleCodecFailure(c, env, &envelope.CodecError{Code: envelope.ErrAuthFailed, Message: "join rejected: invalid token", Fatal: true}, malformedCount)
		return "", "", false
	}

	participant, err := s.reg.Join(grant.SpaceID, grant.ParticipantID, grant.Capabilities, c)
	if err != nil {
		errEnv := (&envelope.CodecError{Code: envelope.ErrConflict, Message: err.Error()}).ToErrorEnvelope("")
		_ = c.SendEnvelope(errEnv)
		return "", "", false
	}

	welcomePayload := map[string]interface{}{
		"you": map[string]interface{}{
			"id":           participant.ID,
			"capabilities": participant.Capabilities,
		},
		"participants": s.presenceList(grant.SpaceID),
	}
	welcome, err := envelope.Reply(env, "gateway", "system/welcome", welcomePayload)
	if err != nil {
		return "", "", false
	}
	_ = c.SendEnvelope(welcome)

	_ = s.reg.SetPresence(grant.SpaceID, participant.ID, registry.PresenceActive)
	s.broadcastPresence(grant.SpaceID, participant.ID, "join")

	return participant.ID, grant.SpaceID, true
}

func (s *Service) presenceList(spaceID string) []map[string]interface{} {
	participants := s.reg.List(spaceID)
	out := make([]map[string]interface{}, 0, len(participants))
	for _, p := range participants {
		out = append(out, map[string]interface{}{"id": p.ID, "capabilities": p.Capabilities})
	}
	return out
}

func (s *Service) broadcastPresence(spaceID, participantID, event string) {
	var others []string
	for _, p := range s.reg.List(spaceID) {
		if p.ID != participantID {
			others = append(others, p.ID)
		}
	}
	if len(others) == 0 {
		return
	}
	announce, err := envelope.New("gateway", "system/presence", others, map[string]interface{}{
		"event":       event,
		"participant": map[string]interface{}{"id": participantID},
	})
	if err != nil {
		return
	}
	s.rtr.Route(spaceID, s.gatewayFrom(spaceID), announce)
}

// dispatch routes a validated inbound envelope to whichever subsystem
// owns its kind before delivering it through the router, per spec.md's
// overall Flow: codec -> (router, capability matcher, registry) ->
// (correlation engine | stream manager | control plane) -> delivery.
func (s *Service) dispatch(spaceID, participantID string, env *envelope.Envelope) {
	from := s.reg.Get(spaceID, participantID)
	if from == nil {
		return
	}

	switch env.Kind {
	case "system/pong":
		if conn, ok := from.Conn.(*connection.Connection); ok {
			conn.NotePong()
		}
		return
	case "mcp/request":
		if id := firstCorrelation(env); id != "" {
			s.proposals.Fulfill(id, env)
		}
	case "mcp/response":
		if id := firstCorrelation(env); id != "" {
			if p := s.proposals.ResolveResponse(id, env); p != nil {
				s.forwardProposalResult(spaceID, p, env)
			}
		}
	case "mcp/reject":
		if id := firstCorrelation(env); id != "" {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = env.UnmarshalPayload(&body)
			if p := s.proposals.Reject(id, env.From, body.Reason); p != nil {
				s.forwardProposalResult(spaceID, p, env)
			}
		}
	case "mcp/withdraw":
		if id := firstCorrelation(env); id != "" {
			p, err := s.proposals.Withdraw(id, env.From)
			if err != nil {
				log.Printf("gateway: security: %v", err)
				return
			}
			if p != nil {
				s.forwardProposalResult(spaceID, p, env)
			}
		}
	case "stream/request":
		s.handleStreamRequest(spaceID, env)
		return
	case "stream/close":
		var body struct {
			StreamID string `json:"stream_id"`
		}
		_ = env.UnmarshalPayload(&body)
		s.streams.Close(body.StreamID, "close")
	case "participant/pause":
		s.handleControl(spaceID, env, s.ctrl.Pause)
		return
	case "participant/resume":
		s.handleControl(spaceID, env, s.ctrl.Resume)
		return
	case "participant/forget":
		s.replyAndRoute(spaceID, env, func() (*envelope.Envelope, error) { return s.ctrl.Forget(env, firstTo(env)) })
	case "participant/clear":
		s.replyAndRoute(spaceID, env, func() (*envelope.Envelope, error) { return s.ctrl.Clear(env, firstTo(env)) })
	case "participant/restart":
		s.handleControl(spaceID, env, s.ctrl.Restart)
	case "participant/shutdown":
		s.handleControl(spaceID, env, s.ctrl.Shutdown)
	case "participant/request-status":
		_ = s.ctrl.RequestStatus(spaceID, env, firstTo(env))
		if drops := s.rtr.PauseDropCount(spaceID, firstTo(env)); drops > 0 {
			notice, err := envelope.Reply(env, "gateway", "participant/status", map[string]interface{}{
				"participant": firstTo(env), "pause_queue_dropped": drops,
			})
			if err == nil {
				s.rtr.Route(spaceID, s.gatewayFrom(spaceID), notice)
			}
		}
	case "participant/status":
		s.ctrl.ObserveStatus(spaceID, env.From)
	}

	// mcp/proposal is opened only after the capability check inside
	// Route succeeds (a proposal a participant lacked capability to send
	// should never become trackable), so it is handled via the router's
	// own proposal-lifecycle hook rather than here.
	s.rtr.Route(spaceID, from, env)
}

// handleProposalLifecycle is the router's ProposalHook: it is invoked
// for every mcp/proposal|request|response|reject|withdraw envelope that
// passed its sender's capability check, immediately before delivery.
func (s *Service) handleProposalLifecycle(env *envelope.Envelope) {
	if env.Kind == "mcp/proposal" {
		s.proposals.Open(env)
	}
}

// handleStreamEnvelope is the router's StreamHook: for stream/data it
// tracks the envelope's sequence and feeds it to the reassembler. The
// router still delivers each stream/data envelope as sent; the merged
// result of a completed chunk group is not forwarded.
func (s *Service) handleStreamEnvelope(env *envelope.Envelope) {
	if env.Kind != "stream/data" {
		return
	}

	var body struct {
		StreamID string `json:"stream_id"`
		Sequence int    `json:"sequence"`
	}
	if err := env.UnmarshalPayload(&body); err != nil {
		return
	}
	s.streams.Touch(body.StreamID, body.Sequence)
	s.reassem.Collect(env)
}

func (s *Service) handleControl(spaceID string, env *envelope.Envelope, fn func(spaceID string, req *envelope.Envelope, target string) (*envelope.Envelope, error)) {
	reply, err := fn(spaceID, env, firstTo(env))
	if err != nil {
		log.Printf("gateway: control-plane handler failed: %v", err)
		return
	}
	s.rtr.Route(spaceID, s.gatewayFrom(spaceID), reply)
}

func (s *Service) replyAndRoute(spaceID string, env *envelope.Envelope, fn func() (*envelope.Envelope, error)) {
	reply, err := fn()
	if err != nil {
		return
	}
	s.rtr.Route(spaceID, s.gatewayFrom(spaceID), reply)
}

func (s *Service) handleStreamRequest(spaceID string, req *envelope.Envelope) {
	var body struct {
		Direction   string `json:"direction"`
		Description string `json:"description"`
	}
	_ = req.UnmarshalPayload(&body)

	_, reply, err := s.streams.Open(spaceID, req, stream.Direction(body.Direction), body.Description)
	if err != nil {
		log.Printf("gateway: stream negotiation failed: %v", err)
		return
	}
	s.rtr.Route(spaceID, s.gatewayFrom(spaceID), reply)
}

func (s *Service) handleStreamClose(st *stream.Stream, reason string) {
	closeEnv, err := envelope.New("gateway", "stream/close", []string{st.Opener}, map[string]interface{}{
		"stream_id": st.ID,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	s.rtr.Route(st.SpaceID, s.gatewayFrom(st.SpaceID), closeEnv)
}

// forwardProposalResult delivers a proposal's resolving envelope (the
// fulfiller's mcp/response, or an mcp/reject/mcp/withdraw) to the
// proposal's original proposer, whose pending local promise is keyed by
// the proposal's own id, not the fulfillment request's. This runs
// regardless of who the resolving envelope was addressed to: per
// spec.md §4.6/§8 Scenario C, a fulfiller's mcp/response is typically
// addressed only to the proposer-facing tool's caller, never to the
// proposer itself, so without this the proposer's Request would hang
// until timeout.
func (s *Service) forwardProposalResult(spaceID string, p *correlation.Proposal, resolving *envelope.Envelope) {
	if containsRecipient(resolving.To, p.From) {
		return
	}

	fwd, err := envelope.New("gateway", resolving.Kind, []string{p.From}, resolving.Payload)
	if err != nil {
		return
	}
	fwd.CorrelationID = []string{p.ID}
	fwd.Context = resolving.Context
	s.rtr.Route(spaceID, s.gatewayFrom(spaceID), fwd)
}

func containsRecipient(to []string, id string) bool {
	for _, t := range to {
		if t == id {
			return true
		}
	}
	return false
}

func firstTo(env *envelope.Envelope) string {
	if len(env.To) == 0 {
		return ""
	}
	return env.To[0]
}

func firstCorrelation(env *envelope.Envelope) string {
	if len(env.CorrelationID) == 0 {
		return ""
	}
	return env.CorrelationID[0]
}

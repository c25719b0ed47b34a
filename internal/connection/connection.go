// Package connection implements the per-participant duplex endpoint: a
// framed byte stream carrying envelope frames and raw binary stream
// frames over one net.Conn.
//
// Grounded on internal/broker/service.go's Connection struct and
// handleConnection read loop (per-connection goroutine, JSON
// encoder/decoder over net.Conn), generalized with a bounded outbound
// queue plus backpressure close, and a heartbeat ping/pong the teacher's
// pure request/response JSON-RPC loop does not need.
package connection

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rjcorwin/mew-protocol-sub005/internal/envelope"
)

// DefaultSendQueueDepth bounds the number of outbound frames buffered
// before a connection is considered backed up.
const DefaultSendQueueDepth = 256

// DefaultMaxFrameSize bounds a single inbound frame (spec.md §4.1's size
// cap applies at the envelope codec; this is the wire-level backstop).
const DefaultMaxFrameSize = 4 << 20 // 4 MiB

const streamFrameDelim = "#"

// frame tags distinguish an envelope JSON frame from a raw binary
// stream-data frame on the wire.
const (
	streamPrefixByte = '#'
)

// StreamFrame is a raw binary chunk addressed to a negotiated stream,
// carried as `#<stream_id>#<data>` per spec.md §4.3.
type StreamFrame struct {
	StreamID string
	Data     []byte
}

// Connection is one participant's duplex endpoint.
type Connection struct {
	ID   string
	conn net.Conn

	reader *bufio.Reader

	sendQueue chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	heartbeatInterval time.Duration
	maxMissedPongs    int
	missedPongs       int
	mu                sync.Mutex

	onBackpressure func(c *Connection)
}

// New wraps conn in a Connection with a bounded send queue and starts its
// writer goroutine. Callers must call ReadLoop to pump inbound frames and
// Close when done.
func New(conn net.Conn, sendQueueDepth int, heartbeatInterval time.Duration, maxMissedPongs int) *Connection {
	if sendQueueDepth <= 0 {
		sendQueueDepth = DefaultSendQueueDepth
	}
	c := &Connection{
		ID:                uuid.New().String(),
		conn:              conn,
		reader:            bufio.NewReader(conn),
		sendQueue:         make(chan []byte, sendQueueDepth),
		closed:            make(chan struct{}),
		heartbeatInterval: heartbeatInterval,
		maxMissedPongs:    maxMissedPongs,
	}
	go c.writeLoop()
	if heartbeatInterval > 0 {
		go c.heartbeatLoop()
	}
	return c
}

// OnBackpressure registers a callback invoked (once) when the send queue
// overflows and the connection is closed for backpressure.
func (c *Connection) OnBackpressure(fn func(c *Connection)) {
	c.onBackpressure = fn
}

// SendEnvelope enqueues an envelope for delivery. If the outbound queue is
// full, the connection is closed with a system/error (code: backpressure)
// per spec.md §4.3 rather than blocking the caller.
func (c *Connection) SendEnvelope(env *envelope.Envelope) error {
	data, err := env.ToJSON()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return c.enqueue(data)
}

// SendStreamData enqueues a raw binary chunk for a negotiated stream.
func (c *Connection) SendStreamData(streamID string, data []byte) error {
	framed := make([]byte, 0, len(streamID)+2+len(data))
	framed = append(framed, streamPrefixByte)
	framed = append(framed, []byte(streamID)...)
	framed = append(framed, streamPrefixByte)
	framed = append(framed, data...)
	return c.enqueue(framed)
}

func (c *Connection) enqueue(payload []byte) error {
	select {
	case c.sendQueue <- payload:
		return nil
	default:
		c.closeForBackpressure()
		return fmt.Errorf("connection %s: send queue full, closing", c.ID)
	}
}

func (c *Connection) closeForBackpressure() {
	errPayload := (&envelope.CodecError{
		Code:    envelope.ErrBackpressure,
		Message: "send queue overflow",
	}).ToErrorEnvelope(c.ID)

	if data, err := errPayload.ToJSON(); err == nil {
		_ = writeFrame(c.conn, data)
	}

	if c.onBackpressure != nil {
		c.onBackpressure(c)
	}
	c.Close()
}

// writeLoop drains the outbound queue onto the wire until Close.
func (c *Connection) writeLoop() {
	for {
		select {
		case payload := <-c.sendQueue:
			if err := writeFrame(c.conn, payload); err != nil {
				log.Printf("connection %s: write error: %v", c.ID, err)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// heartbeatLoop pings the peer at heartbeatInterval, declaring it dead
// after maxMissedPongs consecutive misses.
func (c *Connection) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ping, _ := envelope.New("gateway", "system/ping", []string{c.ID}, struct{}{})
			if err := c.SendEnvelope(ping); err != nil {
				return
			}

			c.mu.Lock()
			c.missedPongs++
			dead := c.missedPongs > c.maxMissedPongs
			c.mu.Unlock()

			if dead {
				log.Printf("connection %s: missed %d pongs, closing", c.ID, c.missedPongs)
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// NotePong resets the missed-pong counter; callers invoke this when a
// system/pong envelope is received from this connection.
func (c *Connection) NotePong() {
	c.mu.Lock()
	c.missedPongs = 0
	c.mu.Unlock()
}

// ReadLoop reads frames until the connection closes or errors, dispatching
// envelope frames to onEnvelope and stream-data frames to onStreamData.
func (c *Connection) ReadLoop(onEnvelope func(*envelope.Envelope), onStreamData func(StreamFrame)) error {
	for {
		payload, err := readFrame(c.reader)
		if err != nil {
			return err
		}

		if len(payload) > 0 && payload[0] == streamPrefixByte {
			frame, ok := parseStreamFrame(payload)
			if !ok {
				log.Printf("connection %s: malformed stream frame, dropping", c.ID)
				continue
			}
			onStreamData(frame)
			continue
		}

		env, err := envelope.FromJSON(payload)
		if err != nil {
			log.Printf("connection %s: malformed envelope frame: %v", c.ID, err)
			continue
		}
		onEnvelope(env)
	}
}

func parseStreamFrame(payload []byte) (StreamFrame, bool) {
	rest := string(payload[1:])
	idx := strings.Index(rest, streamFrameDelim)
	if idx < 0 {
		return StreamFrame{}, false
	}
	return StreamFrame{StreamID: rest[:idx], Data: []byte(rest[idx+1:])}, true
}

// Close closes the underlying connection exactly once and closes the
// channel returned by Done. It notifies no one else; de-registration and
// the leave announcement are up to the owner of the read loop. Safe to
// call concurrently and more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Done returns a channel closed once the connection has been closed, for
// callers that need to observe disconnection without owning the read loop.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// writeFrame writes a length-prefixed frame: a 4-byte big-endian length
// followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting any frame larger
// than DefaultMaxFrameSize.
func readFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > DefaultMaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds max %d", size, DefaultMaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

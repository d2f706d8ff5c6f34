package http2

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/net/http2/hpack"
)

// StreamState is the lifecycle state of a stream (RFC 7540 Section 5.1).
type StreamState uint8

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

// String returns the RFC 7540 name of the state.
func (s StreamState) String() string {
	switch s {
	case StreamStateIdle:
		return "idle"
	case StreamStateReservedLocal:
		return "reserved (local)"
	case StreamStateReservedRemote:
		return "reserved (remote)"
	case StreamStateOpen:
		return "open"
	case StreamStateHalfClosedLocal:
		return "half-closed (local)"
	case StreamStateHalfClosedRemote:
		return "half-closed (remote)"
	case StreamStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// rank orders states along the lifecycle. Transitions must be strictly
// rank-increasing; a regression is a bug in the caller, not a peer
// behavior, so setStateLocked panics on one.
func (s StreamState) rank() int {
	switch s {
	case StreamStateIdle:
		return 1
	case StreamStateReservedLocal, StreamStateReservedRemote, StreamStateOpen:
		return 2
	case StreamStateHalfClosedLocal, StreamStateHalfClosedRemote:
		return 3
	case StreamStateClosed:
		return 4
	default:
		return 0
	}
}

// chunk is one received DATA payload queued for the consumer. wireLen is
// the frame's on-wire payload length including the pad-length octet and
// padding; that is the amount credited back to the peer when the chunk
// is acknowledged. eos marks the sentinel terminator queued after the
// last chunk of a stream.
type chunk struct {
	data    []byte
	wireLen uint32
	acked   bool
	eos     bool
}

// Stream is one HTTP/2 stream: its state machine, flow-control windows,
// and the queues exposing received headers and data to the application.
// All mutable fields are guarded by the owning connection's mutex.
type Stream struct {
	id   uint32
	conn *Conn

	state  StreamState
	rstErr *StreamError // stored when the stream closes via RST_STREAM

	sendWin *sendWindow
	recvWin *recvWindow

	hdrQ      queue[[]hpack.HeaderField]
	hdrNotify *notifier

	chunkQ      queue[*chunk]
	chunkNotify *notifier

	endStreamSent bool
	endStreamRecv bool

	// recvBlocks indexes the HEADERS blocks received on the stream for
	// validation: 0 for the initial block, 1 for trailers. The request
	// block carried by a PUSH_PROMISE does not count; the pushed
	// response starts its own sequence.
	recvBlocks int

	// Cumulative counters.
	headerBlocksSent uint32
	headerBlocksRecv uint32
	dataBytesSent    uint64
	dataBytesRecv    uint64
}

func newStream(conn *Conn, id uint32, sendInitial, recvInitial uint32) *Stream {
	return &Stream{
		id:          id,
		conn:        conn,
		state:       StreamStateIdle,
		sendWin:     newSendWindow(sendInitial, false, id),
		recvWin:     newRecvWindow(recvInitial, false, id),
		hdrNotify:   newNotifier(),
		chunkNotify: newNotifier(),
	}
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state
}

// RSTError returns the stored RST_STREAM error, if the stream closed via
// one in either direction.
func (s *Stream) RSTError() *StreamError {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.rstErr
}

// setStateLocked applies a lifecycle transition. The connection mutex
// must be held. Entering a non-closed state from idle counts the stream
// as active; leaving the active set fires the connection's idle hook
// when the count reaches zero.
func (s *Stream) setStateLocked(to StreamState) {
	from := s.state
	if to == from {
		return
	}
	if to.rank() < from.rank() {
		panic(fmt.Sprintf("http2: stream %d state regression %s -> %s", s.id, from, to))
	}
	s.state = to
	s.conn.log.Debug("stream state changed", logFields{
		"stream_id": s.id, "from": from.String(), "to": to.String(),
	})

	if from == StreamStateIdle && to != StreamStateClosed {
		s.conn.activeStreams++
	}
	if from != StreamStateIdle && to == StreamStateClosed {
		s.conn.activeStreams--
		if s.conn.activeStreams == 0 && s.conn.onIdle != nil {
			s.conn.onIdle()
		}
	}
	if to == StreamStateClosed {
		s.closeResourcesLocked()
	}
}

// closeResourcesLocked wakes all waiters, closes the send window, and
// removes the stream from the connection's tables. The stored rstErr (if
// any) must be set before the transition so woken waiters observe it.
func (s *Stream) closeResourcesLocked() {
	var closeErr error
	if s.rstErr != nil {
		closeErr = s.rstErr
	}
	s.sendWin.Close(closeErr)
	s.hdrNotify.Broadcast()
	s.chunkNotify.Broadcast()
	s.conn.releaseStreamLocked(s)
}

// closeWithRSTLocked records the triggering error and transitions to
// closed. Used for RST_STREAM in both directions.
func (s *Stream) closeWithRSTLocked(rstErr *StreamError) {
	if s.state == StreamStateClosed {
		return
	}
	s.rstErr = rstErr
	s.setStateLocked(StreamStateClosed)
}

// GetHeaders returns the next received header block, blocking until one
// arrives, the stream closes, or the deadline elapses. A close caused by
// RST_STREAM returns the stored error; a normal end of stream returns
// io.EOF. A zero deadline waits forever.
func (s *Stream) GetHeaders(deadline time.Time) ([]hpack.HeaderField, error) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if s.rstErr != nil {
			return nil, s.rstErr
		}
		if fields, ok := s.hdrQ.pop(); ok {
			return fields, nil
		}
		if s.state == StreamStateClosed || s.endStreamRecv {
			return nil, io.EOF
		}
		if err := s.hdrNotify.Wait(&c.mu, deadline); err != nil {
			return nil, err
		}
	}
}

// GetNextChunk returns the next received DATA payload and acknowledges
// it, crediting the stream and connection windows by its on-wire length.
// End of stream returns io.EOF; a close caused by RST_STREAM returns the
// stored error; deadline expiry returns ErrTimeout without modifying the
// queue. A zero deadline waits forever.
func (s *Stream) GetNextChunk(deadline time.Time) ([]byte, error) {
	c := s.conn
	c.mu.Lock()
	for {
		if s.rstErr != nil {
			err := s.rstErr
			c.mu.Unlock()
			return nil, err
		}
		if ch, ok := s.chunkQ.pop(); ok {
			if ch.eos {
				c.mu.Unlock()
				return nil, io.EOF
			}
			c.mu.Unlock()
			if err := s.ackChunk(ch, true); err != nil {
				return ch.data, err
			}
			return ch.data, nil
		}
		if s.state == StreamStateClosed || s.endStreamRecv {
			c.mu.Unlock()
			return nil, io.EOF
		}
		if err := s.chunkNotify.Wait(&c.mu, deadline); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
}

// Unget pushes data back to the front of the chunk queue. The
// pseudo-chunk has zero on-wire length, so its acknowledgement credits
// nothing: the window owed for these bytes was already returned when
// they were first delivered.
func (s *Stream) Unget(data []byte) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	s.chunkQ.pushFront(&chunk{data: data, wireLen: 0, acked: true})
	s.chunkNotify.Broadcast()
}

// ackChunk emits the WINDOW_UPDATE owed for a released chunk, exactly
// once per chunk. With withStreamUpdate false only the connection window
// is credited; the stream is being torn down and its window no longer
// matters.
func (s *Stream) ackChunk(ch *chunk, withStreamUpdate bool) error {
	c := s.conn
	c.mu.Lock()
	if ch.acked || ch.wireLen == 0 {
		c.mu.Unlock()
		return nil
	}
	ch.acked = true
	c.mu.Unlock()

	if withStreamUpdate {
		if err := s.recvWin.Replenish(ch.wireLen); err != nil {
			return err
		}
		if err := c.writeWindowUpdate(s.id, uint64(ch.wireLen)); err != nil {
			return err
		}
	}
	if err := c.recvWin.Replenish(ch.wireLen); err != nil {
		return err
	}
	return c.writeWindowUpdate(0, uint64(ch.wireLen))
}

// Stats returns the stream's cumulative counters: header blocks sent and
// received, then DATA bytes sent and received.
func (s *Stream) Stats() (hdrSent, hdrRecv uint32, dataSent, dataRecv uint64) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.headerBlocksSent, s.headerBlocksRecv, s.dataBytesSent, s.dataBytesRecv
}

package http2

import (
	"time"

	"golang.org/x/net/http2/hpack"
)

// SendHeaders encodes and sends a header block on the stream, fragmented
// across HEADERS and CONTINUATION frames as needed. With endStream set
// this is the local side's last frame on the stream.
func (s *Stream) SendHeaders(fields []hpack.HeaderField, endStream bool) error {
	c := s.conn
	c.mu.Lock()
	switch s.state {
	case StreamStateIdle, StreamStateOpen, StreamStateReservedLocal, StreamStateHalfClosedRemote:
	default:
		state := s.state
		c.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed,
			"cannot send headers in state "+state.String())
	}
	if s.endStreamSent {
		c.mu.Unlock()
		return NewStreamError(s.id, ErrCodeStreamClosed,
			"cannot send headers after END_STREAM")
	}
	c.mu.Unlock()

	if err := c.writeHeaderBlock(s.id, 0, fields, endStream); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s.headerBlocksSent++
	switch s.state {
	case StreamStateIdle:
		if endStream {
			s.setStateLocked(StreamStateHalfClosedLocal)
		} else {
			s.setStateLocked(StreamStateOpen)
		}
	case StreamStateReservedLocal:
		s.setStateLocked(StreamStateHalfClosedRemote)
		if endStream {
			s.setStateLocked(StreamStateClosed)
		}
	case StreamStateOpen:
		if endStream {
			s.setStateLocked(StreamStateHalfClosedLocal)
		}
	case StreamStateHalfClosedRemote:
		if endStream {
			s.setStateLocked(StreamStateClosed)
		}
	}
	if endStream {
		s.endStreamSent = true
	}
	return nil
}

// WriteData sends a payload as one or more DATA frames, each bounded by
// the peer's SETTINGS_MAX_FRAME_SIZE and by the stream and connection
// send windows. The call blocks while either window is exhausted; only
// the final frame carries END_STREAM. On deadline expiry it returns the
// bytes already serialized with ErrTimeout; credits are only ever
// debited for bytes actually put on the wire. A zero deadline waits
// forever.
func (s *Stream) WriteData(p []byte, endStream bool, deadline time.Time) (int, error) {
	c := s.conn
	c.mu.Lock()
	switch s.state {
	case StreamStateOpen, StreamStateHalfClosedRemote:
	default:
		state := s.state
		c.mu.Unlock()
		return 0, NewStreamError(s.id, ErrCodeStreamClosed,
			"cannot send data in state "+state.String())
	}
	if s.endStreamSent {
		c.mu.Unlock()
		return 0, NewStreamError(s.id, ErrCodeStreamClosed,
			"cannot send data after END_STREAM")
	}
	maxFrame := c.peerMaxFrameSizeLocked()
	c.mu.Unlock()

	if len(p) == 0 {
		if !endStream {
			return 0, nil
		}
		// A zero-length DATA frame consumes no window.
		if err := c.writeDataFrame(s.id, nil, true); err != nil {
			return 0, err
		}
		s.finishLocalEndStream()
		return 0, nil
	}

	sent := 0
	for sent < len(p) {
		want := uint32(len(p) - sent)
		if want > maxFrame {
			want = maxFrame
		}
		n, err := s.sendWin.AcquireUpTo(want, deadline)
		if err != nil {
			return sent, err
		}
		m, err := c.sendWin.AcquireUpTo(n, deadline)
		if err != nil {
			s.sendWin.refund(n)
			return sent, err
		}
		if m < n {
			s.sendWin.refund(n - m)
		}
		last := sent+int(m) == len(p)
		if err := c.writeDataFrame(s.id, p[sent:sent+int(m)], last && endStream); err != nil {
			s.sendWin.refund(m)
			c.sendWin.refund(m)
			return sent, err
		}
		sent += int(m)
		c.mu.Lock()
		s.dataBytesSent += uint64(m)
		c.mu.Unlock()
	}

	if endStream {
		s.finishLocalEndStream()
	}
	return sent, nil
}

// finishLocalEndStream records that the local side has ended the stream and
// applies the resulting transition.
func (s *Stream) finishLocalEndStream() {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.endStreamSent {
		return
	}
	s.endStreamSent = true
	switch s.state {
	case StreamStateOpen:
		s.setStateLocked(StreamStateHalfClosedLocal)
	case StreamStateHalfClosedRemote:
		s.setStateLocked(StreamStateClosed)
	}
}

// Shutdown abandons the stream. Unless the stream is idle or already
// closed it emits RST_STREAM with code 0; send errors are ignored
// because the stream is being discarded either way. Undelivered chunks
// are drained without per-stream window updates, but their accumulated
// on-wire length is returned to the connection in one aggregate
// WINDOW_UPDATE so connection throughput is not leaked with a dying
// stream.
func (s *Stream) Shutdown() error {
	c := s.conn
	c.mu.Lock()
	if s.state == StreamStateClosed {
		c.mu.Unlock()
		return nil
	}
	if s.state == StreamStateIdle {
		s.setStateLocked(StreamStateClosed)
		c.mu.Unlock()
		return nil
	}

	var reclaimed uint64
	for {
		ch, ok := s.chunkQ.pop()
		if !ok {
			break
		}
		if !ch.acked && !ch.eos {
			ch.acked = true
			reclaimed += uint64(ch.wireLen)
		}
	}
	s.closeWithRSTLocked(NewStreamError(s.id, ErrCodeCancel, "stream shut down locally"))
	c.mu.Unlock()

	_ = c.writeRSTStream(s.id, ErrCodeNoError)
	if reclaimed > 0 {
		if reclaimed <= MaxWindowSize {
			_ = c.recvWin.Replenish(uint32(reclaimed))
		}
		if err := c.writeWindowUpdate(0, reclaimed); err != nil {
			return err
		}
	}
	return nil
}

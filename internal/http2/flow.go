package http2

import (
	"fmt"
	"sync"
	"time"
)

// MaxWindowSize is the largest value a flow-control window may reach
// (RFC 7540 Section 6.9.1).
const MaxWindowSize = 1<<31 - 1

// sendWindow tracks the credits the peer has granted us in one
// direction: how many DATA payload octets we may still put on the wire.
// Writers block on it until credit is available; WINDOW_UPDATE frames
// replenish it. Credits are signed because a SETTINGS_INITIAL_WINDOW_SIZE
// decrease may drive an open stream's window transiently negative.
type sendWindow struct {
	mu     sync.Mutex
	notify *notifier

	credits int64
	initial uint32 // last applied initial window size; streams re-base on change

	closed bool
	err    error

	streamID uint32 // 0 for the connection window
	isConn   bool
}

func newSendWindow(initial uint32, isConn bool, streamID uint32) *sendWindow {
	if initial > MaxWindowSize {
		initial = MaxWindowSize
	}
	return &sendWindow{
		notify:   newNotifier(),
		credits:  int64(initial),
		initial:  initial,
		isConn:   isConn,
		streamID: streamID,
	}
}

// Credits returns the current credit balance. It may be negative after
// an initial-window-size decrease.
func (w *sendWindow) Credits() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credits
}

// AcquireUpTo blocks until at least one credit is available, then takes
// min(max, credits) and returns the amount taken. The zero deadline
// means wait forever; an elapsed deadline returns ErrTimeout with no
// credits taken.
func (w *sendWindow) AcquireUpTo(max uint32, deadline time.Time) (uint32, error) {
	if max == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if w.err != nil {
			return 0, w.err
		}
		if w.closed {
			return 0, w.closedError()
		}
		if w.credits > 0 {
			take := w.credits
			if take > int64(max) {
				take = int64(max)
			}
			w.credits -= take
			return uint32(take), nil
		}
		if err := w.notify.Wait(&w.mu, deadline); err != nil {
			return 0, err
		}
	}
}

// Grant applies an inbound WINDOW_UPDATE. A zero increment is a
// PROTOCOL_ERROR and saturation past MaxWindowSize is a
// FLOW_CONTROL_ERROR, each at the window's severity (stream or
// connection). On error the balance is unchanged.
func (w *sendWindow) Grant(increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return w.closedError()
	}
	if increment == 0 {
		return w.typedError(ErrCodeProtocolError, "WINDOW_UPDATE increment of 0")
	}
	if w.credits+int64(increment) > MaxWindowSize {
		err := w.typedError(ErrCodeFlowControlError,
			fmt.Sprintf("window would grow to %d, past the %d maximum", w.credits+int64(increment), int64(MaxWindowSize)))
		w.failLocked(err)
		return err
	}
	w.credits += int64(increment)
	w.notify.Broadcast()
	return nil
}

// refund returns credits taken by AcquireUpTo that were never put on the
// wire (a deadline or write failure after acquisition). It cannot
// overflow because the credits were held moments ago.
func (w *sendWindow) refund(n uint32) {
	if n == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.credits += int64(n)
	w.notify.Broadcast()
}

// AdjustInitial re-bases the window when SETTINGS_INITIAL_WINDOW_SIZE
// changes, applying the delta between the old and new values. The
// balance may go negative; growing past MaxWindowSize is a connection
// error of type FLOW_CONTROL_ERROR (RFC 7540 Section 6.9.2). Connection
// windows are unaffected by the setting.
func (w *sendWindow) AdjustInitial(newInitial uint32) error {
	if w.isConn {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.err != nil {
		return nil
	}
	delta := int64(newInitial) - int64(w.initial)
	if w.credits+delta > MaxWindowSize {
		return NewConnectionError(ErrCodeFlowControlError,
			fmt.Sprintf("initial window change of %d overflows stream %d window", delta, w.streamID))
	}
	w.credits += delta
	w.initial = newInitial
	if delta > 0 {
		w.notify.Broadcast()
	}
	return nil
}

// Close marks the window unusable and wakes all waiters. err may be nil
// for a graceful stream close.
func (w *sendWindow) Close(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	if w.err == nil {
		w.err = err
	}
	w.notify.Broadcast()
}

func (w *sendWindow) failLocked(err error) {
	if w.err == nil {
		w.err = err
		w.closed = true
		w.notify.Broadcast()
	}
}

func (w *sendWindow) typedError(code ErrorCode, msg string) error {
	if w.isConn {
		return NewConnectionError(code, msg)
	}
	return NewStreamError(w.streamID, code, msg)
}

func (w *sendWindow) closedError() error {
	if w.isConn {
		return NewConnectionError(ErrCodeStreamClosed, "connection send window closed")
	}
	return NewStreamError(w.streamID, ErrCodeStreamClosed, "stream send window closed")
}

// recvWindow audits the inbound direction: how many octets the peer may
// still send us. DATA frames consume it by their on-wire payload length;
// the WINDOW_UPDATE frames we emit when consumers release chunks
// replenish it. Nothing blocks on it.
type recvWindow struct {
	mu      sync.Mutex
	credits int64
	initial uint32

	streamID uint32 // 0 for the connection window
	isConn   bool
}

func newRecvWindow(initial uint32, isConn bool, streamID uint32) *recvWindow {
	if initial > MaxWindowSize {
		initial = MaxWindowSize
	}
	return &recvWindow{
		credits:  int64(initial),
		initial:  initial,
		isConn:   isConn,
		streamID: streamID,
	}
}

// Credits returns the remaining inbound allowance.
func (w *recvWindow) Credits() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.credits
}

// Consume debits an inbound DATA frame's on-wire length. Driving the
// window negative means the peer overshot its allowance: a
// FLOW_CONTROL_ERROR at the window's severity.
func (w *recvWindow) Consume(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credits-int64(n) < 0 {
		if w.isConn {
			return NewConnectionError(ErrCodeFlowControlError,
				fmt.Sprintf("peer sent %d octets into a connection window of %d", n, w.credits))
		}
		return NewStreamError(w.streamID, ErrCodeFlowControlError,
			fmt.Sprintf("peer sent %d octets into a window of %d", n, w.credits))
	}
	w.credits -= int64(n)
	return nil
}

// Replenish credits the window back after we emit a WINDOW_UPDATE. The
// balance never legitimately exceeds MaxWindowSize because we only
// return what was consumed; the cap is kept as a hard stop.
func (w *recvWindow) Replenish(n uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.credits+int64(n) > MaxWindowSize {
		return w.overflowError()
	}
	w.credits += int64(n)
	return nil
}

func (w *recvWindow) overflowError() error {
	if w.isConn {
		return NewConnectionError(ErrCodeFlowControlError, "connection receive window overflow")
	}
	return NewStreamError(w.streamID, ErrCodeFlowControlError, "stream receive window overflow")
}

package http2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/net/http2/hpack"

	"example.com/h2core/internal/logger"
)

type logFields = logger.LogFields

// Settings is the decoded form of the six SETTINGS parameters this
// endpoint understands. Unknown parameters are accepted and ignored.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // 0 means unlimited
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32 // 0 means unlimited
}

// DefaultSettings returns the initial values every connection assumes
// for a peer before its first SETTINGS frame (RFC 7540 Section 6.5.2).
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:   DefaultHeaderTableSize,
		EnablePush:        true,
		InitialWindowSize: DefaultInitialWindowSize,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}

// settingsList serializes s as SETTINGS entries in ascending id order.
// Zero-valued limits mean "unset" and are omitted: advertising
// SETTINGS_MAX_CONCURRENT_STREAMS of 0 would forbid streams outright.
func (s Settings) settingsList() []Setting {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	list := []Setting{
		{SettingHeaderTableSize, s.HeaderTableSize},
		{SettingEnablePush, push},
	}
	if s.MaxConcurrentStreams > 0 {
		list = append(list, Setting{SettingMaxConcurrentStreams, s.MaxConcurrentStreams})
	}
	list = append(list,
		Setting{SettingInitialWindowSize, s.InitialWindowSize},
		Setting{SettingMaxFrameSize, s.MaxFrameSize},
	)
	if s.MaxHeaderListSize > 0 {
		list = append(list, Setting{SettingMaxHeaderListSize, s.MaxHeaderListSize})
	}
	return list
}

// Options configures a connection.
type Options struct {
	// Settings advertised to the peer. Nil means DefaultSettings.
	Settings *Settings
	// Logger for connection and stream events. Nil means no logging.
	Logger *logger.Logger
	// OnIdle fires each time the connection's active-stream count drops
	// to zero. It runs on the goroutine that closed the last stream and
	// must not call back into the connection.
	OnIdle func()
}

type pingState struct {
	done   bool
	notify *notifier
}

// frameHandler processes one inbound frame. The table is indexed by the
// frame type byte; types past the table are ignored per RFC 7540
// Section 4.1.
type frameHandler func(*Conn, Frame) error

// Conn is one HTTP/2 connection: the dispatch loop, the stream table,
// connection-level flow control, SETTINGS state, and header-block
// assembly. The transport and TLS are collaborators behind the
// io.ReadWriter.
type Conn struct {
	log      *logger.Logger
	rw       io.ReadWriter
	br       *bufio.Reader
	isClient bool

	// wmu serializes frame writes and, with them, the HPACK encoder.
	// It is never acquired while holding mu's critical sections that
	// wait on it; mu may be briefly taken under wmu.
	wmu   sync.Mutex
	codec *hpackCodec

	mu sync.Mutex // guards everything below and all stream state

	streams           map[uint32]*Stream
	prio              *PriorityTree
	nextLocalID       uint32
	highestRecvID     uint32 // highest peer-initiated stream id seen
	highestPromisedID uint32
	peerStreams       uint32 // live peer-initiated streams

	sendWin *sendWindow
	recvWin *recvWindow

	ourSettings      Settings
	peerSettings     Settings
	pendingTableSize *uint32 // decoder table size awaiting peer SETTINGS ACK

	assembly *headerAssembly

	pendingPings map[[8]byte]*pingState
	pingSeq      uint64

	goAwayRecv    bool
	goAwaySent    bool
	goAwayHorizon uint32
	goAwayNotify  *notifier

	accepted     queue[*Stream]
	acceptNotify *notifier

	activeStreams int
	onIdle        func()

	closed   bool
	closeErr error

	handlers [FrameContinuation + 1]frameHandler
}

// NewClientConn creates the client side of a connection. Call Handshake
// before exchanging frames.
func NewClientConn(rw io.ReadWriter, opts *Options) *Conn {
	return newConn(rw, true, opts)
}

// NewServerConn creates the server side of a connection. Call Handshake
// before exchanging frames.
func NewServerConn(rw io.ReadWriter, opts *Options) *Conn {
	return newConn(rw, false, opts)
}

func newConn(rw io.ReadWriter, isClient bool, opts *Options) *Conn {
	if opts == nil {
		opts = &Options{}
	}
	settings := DefaultSettings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNop()
	}
	c := &Conn{
		log:           log,
		rw:            rw,
		br:            bufio.NewReader(rw),
		isClient:      isClient,
		codec:         newHpackCodec(DefaultHeaderTableSize),
		streams:       make(map[uint32]*Stream),
		prio:          NewPriorityTree(),
		sendWin:       newSendWindow(DefaultInitialWindowSize, true, 0),
		recvWin:       newRecvWindow(DefaultInitialWindowSize, true, 0),
		ourSettings:   settings,
		peerSettings:  DefaultSettings(),
		pendingPings:  make(map[[8]byte]*pingState),
		goAwayHorizon: 1<<31 - 1,
		goAwayNotify:  newNotifier(),
		acceptNotify:  newNotifier(),
		onIdle:        opts.OnIdle,
	}
	if isClient {
		c.nextLocalID = 1
	} else {
		c.nextLocalID = 2
	}
	c.handlers = [FrameContinuation + 1]frameHandler{
		FrameData:         (*Conn).handleData,
		FrameHeaders:      (*Conn).handleHeaders,
		FramePriority:     (*Conn).handlePriority,
		FrameRSTStream:    (*Conn).handleRSTStream,
		FrameSettings:     (*Conn).handleSettings,
		FramePushPromise:  (*Conn).handlePushPromise,
		FramePing:         (*Conn).handlePing,
		FrameGoAway:       (*Conn).handleGoAway,
		FrameWindowUpdate: (*Conn).handleWindowUpdate,
		FrameContinuation: (*Conn).handleContinuation,
	}
	return c
}

// Handshake performs this side of the connection preface: the client
// sends the fixed preface octets, the server verifies them, and both
// sides open with their SETTINGS frame.
func (c *Conn) Handshake() error {
	if c.isClient {
		c.wmu.Lock()
		_, err := io.WriteString(c.rw, ClientPreface)
		c.wmu.Unlock()
		if err != nil {
			return fmt.Errorf("writing connection preface: %w", err)
		}
	} else {
		preface := make([]byte, len(ClientPreface))
		if _, err := io.ReadFull(c.br, preface); err != nil {
			return fmt.Errorf("reading connection preface: %w", err)
		}
		if string(preface) != ClientPreface {
			return NewConnectionError(ErrCodeProtocolError, "invalid connection preface")
		}
	}
	return c.writeInitialSettings()
}

func (c *Conn) writeInitialSettings() error {
	c.mu.Lock()
	list := c.ourSettings.settingsList()
	if c.ourSettings.HeaderTableSize != DefaultHeaderTableSize {
		size := c.ourSettings.HeaderTableSize
		c.pendingTableSize = &size
	}
	c.mu.Unlock()
	return c.writeFrame(&SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings},
		Settings:    list,
	})
}

// Serve reads and dispatches frames until the connection fails or shuts
// down. Stream-level errors are handled internally (RST_STREAM) and do
// not end the loop.
func (c *Conn) Serve() error {
	for {
		if err := c.ServeOne(); err != nil {
			return err
		}
	}
}

// ServeOne reads and dispatches exactly one frame. A stream-level
// protocol violation resets the offending stream and returns nil; a
// connection-level violation emits GOAWAY and returns the error.
func (c *Conn) ServeOne() error {
	f, err := ReadFrame(c.br)
	if err != nil {
		return c.handleFrameError(err)
	}
	if err := c.dispatch(f); err != nil {
		return c.handleFrameError(err)
	}
	return nil
}

// dispatch routes a frame to its handler after connection-wide checks:
// no frame but CONTINUATION on the assembling stream is admissible while
// a header block is in flight, and no payload may exceed our advertised
// SETTINGS_MAX_FRAME_SIZE.
func (c *Conn) dispatch(f Frame) error {
	fh := f.Header()
	c.mu.Lock()
	if c.assembly != nil && (fh.Type != FrameContinuation || fh.StreamID != c.assembly.streamID) {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("%s frame interleaved with header block on stream %d", fh.Type, c.assembly.streamID))
	}
	maxFrame := c.ourSettings.MaxFrameSize
	c.mu.Unlock()
	if fh.Length > maxFrame {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("%s payload of %d octets exceeds SETTINGS_MAX_FRAME_SIZE %d", fh.Type, fh.Length, maxFrame))
	}
	if int(fh.Type) < len(c.handlers) {
		return c.handlers[fh.Type](c, f)
	}
	// Unknown frame types are discarded.
	c.log.Debug("ignoring unknown frame type", logFields{"type": uint8(fh.Type)})
	return nil
}

// handleFrameError classifies an error from frame parsing or dispatch:
// stream-level errors become RST_STREAM and the connection continues;
// connection-level errors become GOAWAY and terminate; anything else is
// a transport failure.
func (c *Conn) handleFrameError(err error) error {
	switch e := err.(type) {
	case *StreamError:
		c.log.Warn("stream error", logFields{"stream_id": e.StreamID, "code": e.Code.String(), "detail": e.Msg})
		c.mu.Lock()
		if s := c.streams[e.StreamID]; s != nil {
			s.closeWithRSTLocked(e)
		}
		c.mu.Unlock()
		_ = c.writeRSTStream(e.StreamID, e.Code)
		return nil
	case *ConnectionError:
		c.log.Error("connection error", logFields{"code": e.Code.String(), "detail": e.Msg})
		_ = c.writeGoAway(e.Code, e.Msg)
		c.shutdown(e)
		return e
	default:
		c.shutdown(err)
		return err
	}
}

// streamNeverOpenedLocked reports whether id belongs to a stream that no
// side has ever created, i.e. the id is still idle.
func (c *Conn) streamNeverOpenedLocked(id uint32) bool {
	local := (id%2 == 1) == c.isClient
	if local {
		return id >= c.nextLocalID
	}
	if id%2 == 0 {
		// Even ids reach this branch only on a client, where they come
		// from the peer's PUSH_PROMISE frames; such an id is idle until
		// it has been promised.
		return id > c.highestPromisedID
	}
	return id > c.highestRecvID
}

func (c *Conn) handleData(f Frame) error {
	df := f.(*DataFrame)
	id := df.StreamID
	wireLen := df.PayloadLen()

	c.mu.Lock()
	s := c.streams[id]
	if s == nil {
		idle := c.streamNeverOpenedLocked(id)
		c.mu.Unlock()
		if idle {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA on idle stream %d", id))
		}
		return NewStreamError(id, ErrCodeStreamClosed, "DATA on closed stream")
	}
	switch s.state {
	case StreamStateOpen, StreamStateHalfClosedLocal:
	case StreamStateIdle, StreamStateReservedRemote:
		state := s.state
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("DATA on stream %d in state %s", id, state))
	default:
		state := s.state
		c.mu.Unlock()
		return NewStreamError(id, ErrCodeStreamClosed,
			fmt.Sprintf("DATA on stream in state %s", state))
	}

	// Window accounting uses the full on-wire payload length, padding
	// included, regardless of how much data survives the strip.
	if err := c.recvWin.Consume(wireLen); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := s.recvWin.Consume(wireLen); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := verifyPadding(df.Padding, id); err != nil {
		c.mu.Unlock()
		return err
	}

	s.dataBytesRecv += uint64(wireLen)
	s.chunkQ.push(&chunk{data: df.Data, wireLen: wireLen})
	if df.Flags&FlagDataEndStream != 0 {
		s.endStreamRecv = true
		s.chunkQ.push(&chunk{eos: true})
		switch s.state {
		case StreamStateOpen:
			s.setStateLocked(StreamStateHalfClosedRemote)
		case StreamStateHalfClosedLocal:
			s.setStateLocked(StreamStateClosed)
		}
	}
	s.chunkNotify.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleHeaders(f Frame) error {
	hf := f.(*HeadersFrame)
	id := hf.StreamID

	if err := verifyPadding(hf.Padding, id); err != nil {
		return err
	}
	var prio *priorityParams
	if hf.Flags&FlagHeadersPriority != 0 {
		if hf.StreamDependency == id {
			return NewStreamError(id, ErrCodeProtocolError,
				fmt.Sprintf("stream %d cannot depend on itself", id))
		}
		prio = &priorityParams{
			depID:     hf.StreamDependency,
			weight:    uint16(hf.Weight) + 1,
			exclusive: hf.Exclusive,
		}
	}

	c.mu.Lock()
	s := c.streams[id]
	if s == nil {
		if !c.streamNeverOpenedLocked(id) {
			c.mu.Unlock()
			return NewConnectionError(ErrCodeStreamClosed,
				fmt.Sprintf("HEADERS on closed stream %d", id))
		}
		if (id%2 == 1) == c.isClient || id%2 == 0 {
			// A peer can only open odd-id streams toward a server; even
			// ids arrive solely via PUSH_PROMISE.
			c.mu.Unlock()
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("peer opened invalid stream %d", id))
		}
		if max := c.ourSettings.MaxConcurrentStreams; max > 0 && c.peerStreams >= max {
			c.mu.Unlock()
			return NewStreamError(id, ErrCodeRefusedStream,
				fmt.Sprintf("concurrent stream limit of %d reached", max))
		}
		s = newStream(c, id, c.peerSettings.InitialWindowSize, c.ourSettings.InitialWindowSize)
		c.streams[id] = s
		c.highestRecvID = id
		c.peerStreams++
		if err := c.prio.Add(id, 0, DefaultPriorityWeight, false); err != nil {
			c.mu.Unlock()
			return err
		}
	} else {
		switch s.state {
		case StreamStateIdle, StreamStateOpen, StreamStateHalfClosedLocal, StreamStateReservedRemote:
		default:
			state := s.state
			c.mu.Unlock()
			return NewConnectionError(ErrCodeStreamClosed,
				fmt.Sprintf("HEADERS on stream %d in state %s", id, state))
		}
	}
	if prio != nil {
		if err := c.prio.Reprioritize(id, prio.depID, prio.weight, prio.exclusive); err != nil {
			c.mu.Unlock()
			return err
		}
	}

	ab := &headerAssembly{
		streamID:    id,
		initialType: FrameHeaders,
		endStream:   hf.Flags&FlagHeadersEndStream != 0,
	}
	declared := hf.Length
	if hf.Flags&FlagHeadersPriority != 0 {
		declared -= 5
	}
	if err := ab.appendFragment(hf.HeaderBlockFragment, declared); err != nil {
		c.mu.Unlock()
		return err
	}
	if hf.Flags&FlagHeadersEndHeaders == 0 {
		c.assembly = ab
		c.mu.Unlock()
		return nil
	}
	err := c.finishHeaderBlockLocked(ab)
	c.mu.Unlock()
	return err
}

func (c *Conn) handlePriority(f Frame) error {
	pf := f.(*PriorityFrame)
	if pf.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PRIORITY frame on stream 0")
	}
	// PRIORITY is stream-state independent and may name idle streams;
	// the tree creates implicit entries for them.
	return c.prio.Reprioritize(pf.StreamID, pf.StreamDependency, uint16(pf.Weight)+1, pf.Exclusive)
}

func (c *Conn) handleRSTStream(f Frame) error {
	rf := f.(*RSTStreamFrame)
	id := rf.StreamID
	if id == 0 {
		return NewConnectionError(ErrCodeProtocolError, "RST_STREAM frame on stream 0")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streams[id]
	if s == nil {
		if c.streamNeverOpenedLocked(id) {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("RST_STREAM on idle stream %d", id))
		}
		return nil // already closed and released
	}
	if s.state == StreamStateIdle {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("RST_STREAM on idle stream %d", id))
	}
	code := rf.ErrorCode
	if !knownErrorCode(code) {
		code = ErrCodeInternalError
	}
	c.log.Debug("stream reset by peer", logFields{"stream_id": id, "code": code.String()})
	s.closeWithRSTLocked(NewStreamError(id, code, "stream reset by peer"))
	return nil
}

func (c *Conn) handleSettings(f Frame) error {
	sf := f.(*SettingsFrame)
	if sf.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "SETTINGS frame on non-zero stream")
	}
	if sf.IsAck() {
		c.mu.Lock()
		if c.pendingTableSize != nil {
			c.codec.setDecoderTableSize(*c.pendingTableSize)
			c.pendingTableSize = nil
		}
		c.mu.Unlock()
		return nil
	}

	for _, st := range sf.Settings {
		switch st.ID {
		case SettingEnablePush:
			if st.Value > 1 {
				return NewConnectionError(ErrCodeProtocolError,
					fmt.Sprintf("SETTINGS_ENABLE_PUSH value %d", st.Value))
			}
			if c.isClient && st.Value == 1 {
				return NewConnectionError(ErrCodeProtocolError,
					"server attempted to enable push")
			}
		case SettingInitialWindowSize:
			if st.Value > MaxWindowSize {
				return NewConnectionError(ErrCodeFlowControlError,
					fmt.Sprintf("SETTINGS_INITIAL_WINDOW_SIZE value %d exceeds %d", st.Value, int64(MaxWindowSize)))
			}
		case SettingMaxFrameSize:
			if st.Value < MinAllowedFrameSize || st.Value > MaxAllowedFrameSize {
				return NewConnectionError(ErrCodeProtocolError,
					fmt.Sprintf("SETTINGS_MAX_FRAME_SIZE value %d outside [%d, %d]", st.Value, MinAllowedFrameSize, MaxAllowedFrameSize))
			}
		}
	}

	var newTableSize *uint32
	c.mu.Lock()
	for _, st := range sf.Settings {
		switch st.ID {
		case SettingHeaderTableSize:
			if c.peerSettings.HeaderTableSize != st.Value {
				v := st.Value
				newTableSize = &v
			}
			c.peerSettings.HeaderTableSize = st.Value
		case SettingEnablePush:
			c.peerSettings.EnablePush = st.Value == 1
		case SettingMaxConcurrentStreams:
			c.peerSettings.MaxConcurrentStreams = st.Value
		case SettingInitialWindowSize:
			for _, s := range c.streams {
				if err := s.sendWin.AdjustInitial(st.Value); err != nil {
					c.mu.Unlock()
					return err
				}
			}
			c.peerSettings.InitialWindowSize = st.Value
		case SettingMaxFrameSize:
			c.peerSettings.MaxFrameSize = st.Value
		case SettingMaxHeaderListSize:
			c.peerSettings.MaxHeaderListSize = st.Value
		default:
			// Unknown parameters are accepted and ignored.
		}
	}
	c.mu.Unlock()

	if newTableSize != nil {
		// The encoder emits a dynamic table size update at the start of
		// the next header block it produces.
		c.wmu.Lock()
		c.codec.setEncoderTableSize(*newTableSize)
		c.wmu.Unlock()
	}

	// Acknowledgement is best-effort; a failed write surfaces through
	// the next write on the connection.
	_ = c.writeFrame(&SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings, Flags: FlagSettingsAck},
	})
	return nil
}

func (c *Conn) handlePushPromise(f Frame) error {
	pp := f.(*PushPromiseFrame)
	if !c.isClient {
		return NewConnectionError(ErrCodeProtocolError, "server received PUSH_PROMISE")
	}
	c.mu.Lock()
	enabled := c.ourSettings.EnablePush
	c.mu.Unlock()
	if !enabled {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE with push disabled")
	}
	if err := verifyPadding(pp.Padding, pp.StreamID); err != nil {
		return err
	}

	c.mu.Lock()
	parent := c.streams[pp.StreamID]
	if parent == nil {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("PUSH_PROMISE on unknown stream %d", pp.StreamID))
	}
	switch parent.state {
	case StreamStateOpen, StreamStateHalfClosedLocal:
	default:
		state := parent.state
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("PUSH_PROMISE on stream %d in state %s", pp.StreamID, state))
	}
	pid := pp.PromisedStreamID
	if pid == 0 || pid%2 != 0 || pid <= c.highestPromisedID || c.streams[pid] != nil {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("invalid promised stream id %d", pid))
	}
	c.highestPromisedID = pid

	ab := &headerAssembly{
		streamID:    pp.StreamID,
		promisedID:  pid,
		initialType: FramePushPromise,
	}
	if err := ab.appendFragment(pp.HeaderBlockFragment, pp.Length); err != nil {
		c.mu.Unlock()
		return err
	}
	if pp.Flags&FlagPushPromiseEndHeaders == 0 {
		c.assembly = ab
		c.mu.Unlock()
		return nil
	}
	err := c.finishHeaderBlockLocked(ab)
	c.mu.Unlock()
	return err
}

func (c *Conn) handlePing(f Frame) error {
	pf := f.(*PingFrame)
	if pf.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "PING frame on non-zero stream")
	}
	if !pf.IsAck() {
		return c.writeFrame(&PingFrame{
			FrameHeader: FrameHeader{Type: FramePing, Flags: FlagPingAck},
			OpaqueData:  pf.OpaqueData,
		})
	}
	c.mu.Lock()
	if ps, ok := c.pendingPings[pf.OpaqueData]; ok {
		ps.done = true
		ps.notify.Broadcast()
		delete(c.pendingPings, pf.OpaqueData)
	}
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleGoAway(f Frame) error {
	gf := f.(*GoAwayFrame)
	if gf.StreamID != 0 {
		return NewConnectionError(ErrCodeProtocolError, "GOAWAY frame on non-zero stream")
	}
	c.log.Info("GOAWAY received", logFields{
		"last_stream_id": gf.LastStreamID,
		"code":           gf.ErrorCode.String(),
		"debug":          string(gf.AdditionalDebugData),
	})
	c.mu.Lock()
	c.goAwayRecv = true
	if gf.LastStreamID < c.goAwayHorizon {
		c.goAwayHorizon = gf.LastStreamID
	}
	c.goAwayNotify.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *Conn) handleWindowUpdate(f Frame) error {
	wf := f.(*WindowUpdateFrame)
	if wf.StreamID == 0 {
		return c.sendWin.Grant(wf.WindowSizeIncrement)
	}
	c.mu.Lock()
	s := c.streams[wf.StreamID]
	if s == nil {
		idle := c.streamNeverOpenedLocked(wf.StreamID)
		c.mu.Unlock()
		if idle {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("WINDOW_UPDATE on idle stream %d", wf.StreamID))
		}
		return nil // closed and released; the update is moot
	}
	if s.state == StreamStateIdle {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("WINDOW_UPDATE on idle stream %d", wf.StreamID))
	}
	c.mu.Unlock()
	return s.sendWin.Grant(wf.WindowSizeIncrement)
}

func (c *Conn) handleContinuation(f Frame) error {
	cf := f.(*ContinuationFrame)
	c.mu.Lock()
	ab := c.assembly
	if ab == nil || ab.streamID != cf.StreamID {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("CONTINUATION on stream %d without an open header block", cf.StreamID))
	}
	if err := ab.appendFragment(cf.HeaderBlockFragment, cf.Length); err != nil {
		c.assembly = nil
		c.mu.Unlock()
		return err
	}
	if cf.Flags&FlagContinuationEndHeaders == 0 {
		c.mu.Unlock()
		return nil
	}
	c.assembly = nil
	err := c.finishHeaderBlockLocked(ab)
	c.mu.Unlock()
	return err
}

// finishHeaderBlockLocked decodes a completed header block, validates
// it, and delivers it: to the named stream for HEADERS, or to a freshly
// reserved stream for PUSH_PROMISE. The connection mutex must be held;
// the decoder is confined to the dispatch goroutine.
func (c *Conn) finishHeaderBlockLocked(ab *headerAssembly) error {
	var decodeErr error
	for _, frag := range ab.fragments {
		if err := c.codec.decodeFragment(frag); err != nil {
			decodeErr = err
			break
		}
	}
	fields, err := c.codec.finishDecoding()
	if decodeErr != nil {
		return decodeErr
	}
	if err != nil {
		return err
	}

	if limit := c.ourSettings.MaxHeaderListSize; limit > 0 {
		var total uint32
		for _, hf := range fields {
			total += hf.Size()
		}
		if total > limit {
			return NewStreamError(ab.streamID, ErrCodeProtocolError,
				fmt.Sprintf("header list of %d octets exceeds limit %d", total, limit))
		}
	}

	if ab.initialType == FramePushPromise {
		// The promised stream materializes in reserved (remote), hangs
		// off the promising stream in the priority tree, and is handed
		// to the application with the request headers already queued.
		if err := validateHeaderList(fields, ab.promisedID, true, 0, false); err != nil {
			return err
		}
		ps := newStream(c, ab.promisedID, c.peerSettings.InitialWindowSize, c.ourSettings.InitialWindowSize)
		ps.setStateLocked(StreamStateReservedRemote)
		c.streams[ab.promisedID] = ps
		c.peerStreams++
		if err := c.prio.Add(ab.promisedID, ab.streamID, DefaultPriorityWeight, false); err != nil {
			return err
		}
		ps.headerBlocksRecv++
		ps.hdrQ.push(fields)
		ps.hdrNotify.Broadcast()
		c.accepted.push(ps)
		c.acceptNotify.Broadcast()
		return nil
	}

	s := c.streams[ab.streamID]
	if s == nil {
		// The stream vanished between the first fragment and END_HEADERS
		// (reset mid-assembly). The block was still decoded to keep the
		// HPACK context synchronized.
		return nil
	}
	blockIndex := s.recvBlocks
	if blockIndex >= 2 {
		return NewStreamError(ab.streamID, ErrCodeProtocolError,
			"more than two header blocks on one stream")
	}
	if err := validateHeaderList(fields, ab.streamID, !c.isClient, blockIndex, ab.endStream); err != nil {
		return err
	}
	s.recvBlocks++

	wasIdle := s.state == StreamStateIdle
	s.headerBlocksRecv++
	s.hdrQ.push(fields)
	s.hdrNotify.Broadcast()

	switch s.state {
	case StreamStateIdle:
		s.setStateLocked(StreamStateOpen)
	case StreamStateReservedRemote:
		s.setStateLocked(StreamStateHalfClosedLocal)
	}
	if ab.endStream {
		s.endStreamRecv = true
		s.chunkQ.push(&chunk{eos: true})
		s.chunkNotify.Broadcast()
		switch s.state {
		case StreamStateOpen:
			s.setStateLocked(StreamStateHalfClosedRemote)
		case StreamStateHalfClosedLocal:
			s.setStateLocked(StreamStateClosed)
		}
	}
	if wasIdle {
		c.accepted.push(s)
		c.acceptNotify.Broadcast()
	}
	return nil
}

// releaseStreamLocked removes a closed stream from the connection's
// tables. The priority tree entry goes with it; the tree re-parents any
// children to the removed stream's parent.
func (c *Conn) releaseStreamLocked(s *Stream) {
	if _, ok := c.streams[s.id]; !ok {
		return
	}
	delete(c.streams, s.id)
	c.prio.Remove(s.id)
	if (s.id%2 == 1) != c.isClient {
		if c.peerStreams > 0 {
			c.peerStreams--
		}
	}
}

// NewStream creates a locally initiated stream in the idle state. After
// a GOAWAY from the peer, ids past the shutdown horizon are refused.
func (c *Conn) NewStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, NewConnectionError(ErrCodeStreamClosed, "connection is closed")
	}
	id := c.nextLocalID
	if c.goAwayRecv && id > c.goAwayHorizon {
		return nil, NewStreamError(id, ErrCodeRefusedStream, "peer is shutting the connection down")
	}
	c.nextLocalID += 2
	s := newStream(c, id, c.peerSettings.InitialWindowSize, c.ourSettings.InitialWindowSize)
	c.streams[id] = s
	if err := c.prio.Add(id, 0, DefaultPriorityWeight, false); err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptStream returns the next peer-initiated stream: one opened by an
// inbound HEADERS block, or one reserved by an inbound PUSH_PROMISE. A
// zero deadline waits forever.
func (c *Conn) AcceptStream(deadline time.Time) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if s, ok := c.accepted.pop(); ok {
			return s, nil
		}
		if c.closed {
			if c.closeErr != nil {
				return nil, c.closeErr
			}
			return nil, io.EOF
		}
		if err := c.acceptNotify.Wait(&c.mu, deadline); err != nil {
			return nil, err
		}
	}
}

// Push reserves a server-initiated stream and announces it with a
// PUSH_PROMISE carrying the synthesized request headers on the parent
// stream. The returned stream is in reserved (local); the caller
// completes the push by sending response headers and data on it.
// Whether to push at all is the application's decision.
func (c *Conn) Push(parent *Stream, fields []hpack.HeaderField) (*Stream, error) {
	c.mu.Lock()
	if c.isClient {
		c.mu.Unlock()
		return nil, NewConnectionError(ErrCodeInternalError, "clients cannot push")
	}
	if !c.peerSettings.EnablePush {
		c.mu.Unlock()
		return nil, NewStreamError(parent.id, ErrCodeProtocolError, "peer disabled push")
	}
	switch parent.state {
	case StreamStateOpen, StreamStateHalfClosedRemote:
	default:
		state := parent.state
		c.mu.Unlock()
		return nil, NewStreamError(parent.id, ErrCodeStreamClosed,
			"cannot push on stream in state "+state.String())
	}
	id := c.nextLocalID
	c.nextLocalID += 2
	s := newStream(c, id, c.peerSettings.InitialWindowSize, c.ourSettings.InitialWindowSize)
	s.setStateLocked(StreamStateReservedLocal)
	c.streams[id] = s
	if err := c.prio.Add(id, parent.id, DefaultPriorityWeight, false); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	parentID := parent.id
	c.mu.Unlock()

	if err := c.writeHeaderBlock(parentID, id, fields, false); err != nil {
		c.mu.Lock()
		s.closeWithRSTLocked(NewStreamError(id, ErrCodeInternalError, "push promise write failed"))
		c.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// Ping sends a PING and blocks until the peer echoes it or the deadline
// elapses. A zero deadline waits forever.
func (c *Conn) Ping(deadline time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NewConnectionError(ErrCodeStreamClosed, "connection is closed")
	}
	c.pingSeq++
	var opaque [8]byte
	binary.BigEndian.PutUint64(opaque[:], c.pingSeq)
	ps := &pingState{notify: newNotifier()}
	c.pendingPings[opaque] = ps
	c.mu.Unlock()

	if err := c.writeFrame(&PingFrame{
		FrameHeader: FrameHeader{Type: FramePing},
		OpaqueData:  opaque,
	}); err != nil {
		c.mu.Lock()
		delete(c.pendingPings, opaque)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for !ps.done {
		if c.closed {
			return NewConnectionError(ErrCodeStreamClosed, "connection closed while awaiting ping")
		}
		if err := ps.notify.Wait(&c.mu, deadline); err != nil {
			delete(c.pendingPings, opaque)
			return err
		}
	}
	return nil
}

// GoAwayReceived reports whether the peer has announced shutdown and the
// lowest last-stream-id it has advertised.
func (c *Conn) GoAwayReceived() (bool, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goAwayRecv, c.goAwayHorizon
}

// WaitGoAway blocks until the peer announces shutdown or the connection
// closes, returning the shutdown horizon. A zero deadline waits forever.
func (c *Conn) WaitGoAway(deadline time.Time) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.goAwayRecv {
			return c.goAwayHorizon, nil
		}
		if c.closed {
			return 0, NewConnectionError(ErrCodeStreamClosed, "connection closed before GOAWAY")
		}
		if err := c.goAwayNotify.Wait(&c.mu, deadline); err != nil {
			return 0, err
		}
	}
}

// Close shuts the connection down gracefully: GOAWAY with NO_ERROR, then
// every live stream transitions to closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	err := c.writeGoAway(ErrCodeNoError, "")
	c.shutdown(nil)
	return err
}

// shutdown tears down connection state: all streams close, all waiters
// wake, and the stored error becomes the answer for late callers.
func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	live := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		live = append(live, s)
	}
	for _, s := range live {
		if s.state != StreamStateClosed {
			s.setStateLocked(StreamStateClosed)
		}
	}
	for _, ps := range c.pendingPings {
		ps.notify.Broadcast()
	}
	c.acceptNotify.Broadcast()
	c.goAwayNotify.Broadcast()
	c.mu.Unlock()
	c.sendWin.Close(err)
}

// peerMaxFrameSizeLocked returns the largest payload the peer accepts.
// The connection mutex must be held.
func (c *Conn) peerMaxFrameSizeLocked() uint32 {
	if c.peerSettings.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.peerSettings.MaxFrameSize
}

// writeFrame serializes one frame under the write lock.
func (c *Conn) writeFrame(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.rw, f)
}

// writeDataFrame emits one DATA frame. Flow-control debits happen in the
// caller, which holds the acquired credits.
func (c *Conn) writeDataFrame(streamID uint32, data []byte, endStream bool) error {
	var flags Flags
	if endStream {
		flags |= FlagDataEndStream
	}
	return c.writeFrame(&DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: flags, StreamID: streamID},
		Data:        data,
	})
}

// writeHeaderBlock encodes a header list and emits it as one HEADERS (or
// PUSH_PROMISE, when promisedID is non-zero) frame plus as many
// CONTINUATION frames as the peer's frame size limit requires. The whole
// block goes out under the write lock: nothing may interleave with it,
// and the encoder's dynamic table state must match the wire order.
// END_STREAM, if requested, rides on the first frame; END_HEADERS on the
// last.
func (c *Conn) writeHeaderBlock(streamID, promisedID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	block, err := c.codec.encode(fields)
	if err != nil {
		return NewStreamError(streamID, ErrCodeInternalError, err.Error())
	}
	c.mu.Lock()
	maxFrame := int(c.peerMaxFrameSizeLocked())
	c.mu.Unlock()

	first := true
	rest := block
	for {
		space := maxFrame
		if first && promisedID != 0 {
			space -= 4 // promised stream id rides in the first frame
		}
		frag := rest
		if len(frag) > space {
			frag = frag[:space]
		}
		rest = rest[len(frag):]
		last := len(rest) == 0

		var f Frame
		switch {
		case first && promisedID != 0:
			flags := Flags(0)
			if last {
				flags |= FlagPushPromiseEndHeaders
			}
			f = &PushPromiseFrame{
				FrameHeader:         FrameHeader{Type: FramePushPromise, Flags: flags, StreamID: streamID},
				PromisedStreamID:    promisedID,
				HeaderBlockFragment: frag,
			}
		case first:
			flags := Flags(0)
			if endStream {
				flags |= FlagHeadersEndStream
			}
			if last {
				flags |= FlagHeadersEndHeaders
			}
			f = &HeadersFrame{
				FrameHeader:         FrameHeader{Type: FrameHeaders, Flags: flags, StreamID: streamID},
				HeaderBlockFragment: frag,
			}
		default:
			flags := Flags(0)
			if last {
				flags |= FlagContinuationEndHeaders
			}
			f = &ContinuationFrame{
				FrameHeader:         FrameHeader{Type: FrameContinuation, Flags: flags, StreamID: streamID},
				HeaderBlockFragment: frag,
			}
		}
		if err := WriteFrame(c.rw, f); err != nil {
			return err
		}
		if last {
			return nil
		}
		first = false
	}
}

// writeWindowUpdate emits the WINDOW_UPDATE frames for a semantic
// increment, splitting anything past the 2^31-1 frame limit across
// multiple frames.
func (c *Conn) writeWindowUpdate(streamID uint32, increment uint64) error {
	for increment > 0 {
		n := increment
		if n > MaxWindowSize {
			n = MaxWindowSize
		}
		if err := c.writeFrame(&WindowUpdateFrame{
			FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: streamID},
			WindowSizeIncrement: uint32(n),
		}); err != nil {
			return err
		}
		increment -= n
	}
	return nil
}

// writeRSTStream emits a RST_STREAM frame.
func (c *Conn) writeRSTStream(streamID uint32, code ErrorCode) error {
	return c.writeFrame(&RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: streamID},
		ErrorCode:   code,
	})
}

// writeGoAway emits a GOAWAY frame carrying the highest peer-initiated
// stream id this endpoint has processed.
func (c *Conn) writeGoAway(code ErrorCode, debug string) error {
	c.mu.Lock()
	last := c.highestRecvID
	c.goAwaySent = true
	c.mu.Unlock()
	return c.writeFrame(&GoAwayFrame{
		FrameHeader:         FrameHeader{Type: FrameGoAway},
		LastStreamID:        last,
		ErrorCode:           code,
		AdditionalDebugData: []byte(debug),
	})
}

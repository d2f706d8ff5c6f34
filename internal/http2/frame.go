package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies an HTTP/2 frame type (RFC 7540 Section 6).
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// String returns the RFC 7540 name of the frame type.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FramePriority:
		return "PRIORITY"
	case FrameRSTStream:
		return "RST_STREAM"
	case FrameSettings:
		return "SETTINGS"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FramePing:
		return "PING"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameContinuation:
		return "CONTINUATION"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
	}
}

// Flags holds the 8 flag bits of a frame header.
type Flags uint8

const (
	FlagDataEndStream Flags = 0x1
	FlagDataPadded    Flags = 0x8

	FlagHeadersEndStream  Flags = 0x1
	FlagHeadersEndHeaders Flags = 0x4
	FlagHeadersPadded     Flags = 0x8
	FlagHeadersPriority   Flags = 0x20

	FlagSettingsAck Flags = 0x1

	FlagPushPromiseEndHeaders Flags = 0x4
	FlagPushPromisePadded     Flags = 0x8

	FlagPingAck Flags = 0x1

	FlagContinuationEndHeaders Flags = 0x4
)

// SettingID identifies a SETTINGS parameter (RFC 7540 Section 6.5.2).
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// String returns the RFC 7540 name of the setting.
func (s SettingID) String() string {
	switch s {
	case SettingHeaderTableSize:
		return "SETTINGS_HEADER_TABLE_SIZE"
	case SettingEnablePush:
		return "SETTINGS_ENABLE_PUSH"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingMaxFrameSize:
		return "SETTINGS_MAX_FRAME_SIZE"
	case SettingMaxHeaderListSize:
		return "SETTINGS_MAX_HEADER_LIST_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint16(s))
	}
}

const (
	// FrameHeaderLen is the fixed length of the frame header.
	FrameHeaderLen = 9

	// DefaultMaxFrameSize is the SETTINGS_MAX_FRAME_SIZE every connection
	// starts with; MinAllowedFrameSize and MaxAllowedFrameSize bound the
	// values a peer may advertise.
	DefaultMaxFrameSize uint32 = 1 << 14
	MinAllowedFrameSize uint32 = 1 << 14
	MaxAllowedFrameSize uint32 = 1<<24 - 1

	// DefaultInitialWindowSize is the flow-control window both directions
	// start with, for the connection and for each new stream.
	DefaultInitialWindowSize uint32 = 65535

	// DefaultHeaderTableSize is the initial HPACK dynamic table size.
	DefaultHeaderTableSize uint32 = 4096

	// DefaultPriorityWeight is the effective weight assigned to a stream
	// with no explicit priority (RFC 7540 Section 5.3.5).
	DefaultPriorityWeight uint16 = 16

	// MaxHeaderBufferSize caps the cumulative pre-HPACK size of a header
	// block assembled across HEADERS/PUSH_PROMISE and CONTINUATION frames.
	MaxHeaderBufferSize uint32 = 400 * 1024

	// ClientPreface is the fixed sequence a client sends before its first
	// frame (RFC 7540 Section 3.5).
	ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// FrameHeader is the 9-octet header common to all frames.
type FrameHeader struct {
	Length   uint32 // 24 bits, payload length excluding the header
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31 bits; the reserved top bit is masked on read
}

// ReadFrameHeader reads and decodes a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:]) & 0x7FFFFFFF,
	}, nil
}

// WriteTo serializes the frame header to w with the reserved bit clear.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	var buf [FrameHeaderLen]byte
	buf[0] = byte(fh.Length >> 16)
	buf[1] = byte(fh.Length >> 8)
	buf[2] = byte(fh.Length)
	buf[3] = byte(fh.Type)
	buf[4] = byte(fh.Flags)
	binary.BigEndian.PutUint32(buf[5:], fh.StreamID&0x7FFFFFFF)
	n, err := w.Write(buf[:])
	return int64(n), err
}

// Frame is implemented by every HTTP/2 frame type.
type Frame interface {
	Header() *FrameHeader
	ParsePayload(r io.Reader, header FrameHeader) error
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

// readPadLength consumes the pad-length octet of a padded frame and
// validates it against the remaining payload. RFC 7540 Section 6.1:
// padding that equals or exceeds the remaining payload is a connection
// error of type PROTOCOL_ERROR. The boundary is strict because the
// pad-length octet itself is part of the payload.
func readPadLength(r io.Reader, remaining uint32, streamID uint32) (uint8, error) {
	if remaining == 0 {
		return 0, NewConnectionError(ErrCodeProtocolError, fmt.Sprintf("padded frame on stream %d has empty payload", streamID))
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("reading pad length: %w", err)
	}
	if uint32(b[0]) >= remaining {
		return 0, NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("pad length %d on stream %d exceeds payload of %d octets", b[0], streamID, remaining))
	}
	return b[0], nil
}

// DataFrame is a DATA frame (RFC 7540 Section 6.1).
type DataFrame struct {
	FrameHeader
	PadLength uint8
	Data      []byte
	Padding   []byte
}

func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *DataFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "DATA frame on stream 0")
	}
	dataLen := header.Length
	if f.Flags&FlagDataPadded != 0 {
		padLen, err := readPadLength(r, dataLen, header.StreamID)
		if err != nil {
			return err
		}
		f.PadLength = padLen
		dataLen -= 1 + uint32(padLen)
	}
	f.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return fmt.Errorf("reading DATA payload: %w", err)
	}
	if f.Flags&FlagDataPadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return fmt.Errorf("reading DATA padding: %w", err)
		}
	}
	return nil
}

func (f *DataFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagDataPadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.Data)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagDataPadded != 0 {
		n, err := w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *DataFrame) PayloadLen() uint32 {
	n := uint32(len(f.Data))
	if f.Flags&FlagDataPadded != 0 {
		n += 1 + uint32(f.PadLength)
	}
	return n
}

// HeadersFrame is a HEADERS frame (RFC 7540 Section 6.2).
type HeadersFrame struct {
	FrameHeader
	PadLength           uint8
	Exclusive           bool
	StreamDependency    uint32
	Weight              uint8 // wire value; effective weight is Weight+1
	HeaderBlockFragment []byte
	Padding             []byte
}

func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *HeadersFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "HEADERS frame on stream 0")
	}
	remaining := header.Length
	if f.Flags&FlagHeadersPadded != 0 {
		padLen, err := readPadLength(r, remaining, header.StreamID)
		if err != nil {
			return err
		}
		f.PadLength = padLen
		remaining -= 1 + uint32(padLen)
	}
	if f.Flags&FlagHeadersPriority != 0 {
		if remaining < 5 {
			return NewConnectionError(ErrCodeFrameSizeError,
				fmt.Sprintf("HEADERS payload too short for priority block: %d octets", remaining))
		}
		var prio [5]byte
		if _, err := io.ReadFull(r, prio[:]); err != nil {
			return fmt.Errorf("reading HEADERS priority block: %w", err)
		}
		dep := binary.BigEndian.Uint32(prio[0:4])
		f.Exclusive = dep>>31 == 1
		f.StreamDependency = dep & 0x7FFFFFFF
		f.Weight = prio[4]
		remaining -= 5
	}
	f.HeaderBlockFragment = make([]byte, remaining)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading HEADERS fragment: %w", err)
	}
	if f.Flags&FlagHeadersPadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return fmt.Errorf("reading HEADERS padding: %w", err)
		}
	}
	return nil
}

func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagHeadersPadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	if f.Flags&FlagHeadersPriority != 0 {
		var prio [5]byte
		dep := f.StreamDependency
		if f.Exclusive {
			dep |= 1 << 31
		}
		binary.BigEndian.PutUint32(prio[0:4], dep)
		prio[4] = f.Weight
		n, err := w.Write(prio[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagHeadersPadded != 0 {
		n, err := w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *HeadersFrame) PayloadLen() uint32 {
	n := uint32(len(f.HeaderBlockFragment))
	if f.Flags&FlagHeadersPadded != 0 {
		n += 1 + uint32(f.PadLength)
	}
	if f.Flags&FlagHeadersPriority != 0 {
		n += 5
	}
	return n
}

// PriorityFrame is a PRIORITY frame (RFC 7540 Section 6.3).
type PriorityFrame struct {
	FrameHeader
	Exclusive        bool
	StreamDependency uint32
	Weight           uint8 // wire value; effective weight is Weight+1
}

func (f *PriorityFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PriorityFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 5 {
		// RFC 7540 Section 6.3: a PRIORITY frame of any other length is
		// a stream error of type FRAME_SIZE_ERROR.
		msg := fmt.Sprintf("PRIORITY payload must be 5 octets, got %d", f.Length)
		if header.StreamID == 0 {
			return NewConnectionError(ErrCodeFrameSizeError, msg)
		}
		if err := discardPayload(r, f.Length); err != nil {
			return err
		}
		return NewStreamError(header.StreamID, ErrCodeFrameSizeError, msg)
	}
	var buf [5]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading PRIORITY payload: %w", err)
	}
	dep := binary.BigEndian.Uint32(buf[0:4])
	f.Exclusive = dep>>31 == 1
	f.StreamDependency = dep & 0x7FFFFFFF
	f.Weight = buf[4]
	return nil
}

func (f *PriorityFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [5]byte
	dep := f.StreamDependency
	if f.Exclusive {
		dep |= 1 << 31
	}
	binary.BigEndian.PutUint32(buf[0:4], dep)
	buf[4] = f.Weight
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *PriorityFrame) PayloadLen() uint32 { return 5 }

// RSTStreamFrame is a RST_STREAM frame (RFC 7540 Section 6.4).
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *RSTStreamFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("RST_STREAM payload must be 4 octets, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading RST_STREAM error code: %w", err)
	}
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(buf[:]))
	return nil
}

func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *RSTStreamFrame) PayloadLen() uint32 { return 4 }

// Setting is a single id/value pair in a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Value uint32
}

const settingEntrySize = 6

// SettingsFrame is a SETTINGS frame (RFC 7540 Section 6.5).
type SettingsFrame struct {
	FrameHeader
	Settings []Setting
}

func (f *SettingsFrame) Header() *FrameHeader { return &f.FrameHeader }

// IsAck reports whether the ACK flag is set.
func (f *SettingsFrame) IsAck() bool { return f.Flags&FlagSettingsAck != 0 }

func (f *SettingsFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.IsAck() && f.Length != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS ACK must have empty payload, got %d octets", f.Length))
	}
	if f.Length%settingEntrySize != 0 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("SETTINGS payload length %d is not a multiple of %d", f.Length, settingEntrySize))
	}
	buf := make([]byte, f.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading SETTINGS payload: %w", err)
	}
	f.Settings = parseSettingsPayload(buf)
	return nil
}

func (f *SettingsFrame) WritePayload(w io.Writer) (int64, error) {
	if f.IsAck() {
		return 0, nil
	}
	n, err := w.Write(packSettingsPayload(f.Settings))
	return int64(n), err
}

func (f *SettingsFrame) PayloadLen() uint32 {
	if f.IsAck() {
		return 0
	}
	return uint32(len(f.Settings) * settingEntrySize)
}

// parseSettingsPayload decodes a SETTINGS payload whose length is a
// multiple of six octets.
func parseSettingsPayload(buf []byte) []Setting {
	settings := make([]Setting, 0, len(buf)/settingEntrySize)
	for off := 0; off+settingEntrySize <= len(buf); off += settingEntrySize {
		settings = append(settings, Setting{
			ID:    SettingID(binary.BigEndian.Uint16(buf[off : off+2])),
			Value: binary.BigEndian.Uint32(buf[off+2 : off+6]),
		})
	}
	return settings
}

// packSettingsPayload is the inverse of parseSettingsPayload.
func packSettingsPayload(settings []Setting) []byte {
	buf := make([]byte, len(settings)*settingEntrySize)
	for i, s := range settings {
		off := i * settingEntrySize
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(s.ID))
		binary.BigEndian.PutUint32(buf[off+2:off+6], s.Value)
	}
	return buf
}

// PushPromiseFrame is a PUSH_PROMISE frame (RFC 7540 Section 6.6).
type PushPromiseFrame struct {
	FrameHeader
	PadLength           uint8
	PromisedStreamID    uint32
	HeaderBlockFragment []byte
	Padding             []byte
}

func (f *PushPromiseFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *PushPromiseFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "PUSH_PROMISE frame on stream 0")
	}
	remaining := header.Length
	if f.Flags&FlagPushPromisePadded != 0 {
		padLen, err := readPadLength(r, remaining, header.StreamID)
		if err != nil {
			return err
		}
		f.PadLength = padLen
		remaining -= 1 + uint32(padLen)
	}
	if remaining < 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PUSH_PROMISE payload too short for promised stream id: %d octets", remaining))
	}
	var idBuf [4]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return fmt.Errorf("reading promised stream id: %w", err)
	}
	f.PromisedStreamID = binary.BigEndian.Uint32(idBuf[:]) & 0x7FFFFFFF
	remaining -= 4
	f.HeaderBlockFragment = make([]byte, remaining)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading PUSH_PROMISE fragment: %w", err)
	}
	if f.Flags&FlagPushPromisePadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return fmt.Errorf("reading PUSH_PROMISE padding: %w", err)
		}
	}
	return nil
}

func (f *PushPromiseFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	if f.Flags&FlagPushPromisePadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], f.PromisedStreamID&0x7FFFFFFF)
	n, err := w.Write(idBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.HeaderBlockFragment)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagPushPromisePadded != 0 {
		n, err := w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *PushPromiseFrame) PayloadLen() uint32 {
	n := 4 + uint32(len(f.HeaderBlockFragment))
	if f.Flags&FlagPushPromisePadded != 0 {
		n += 1 + uint32(f.PadLength)
	}
	return n
}

// PingFrame is a PING frame (RFC 7540 Section 6.7).
type PingFrame struct {
	FrameHeader
	OpaqueData [8]byte
}

func (f *PingFrame) Header() *FrameHeader { return &f.FrameHeader }

// IsAck reports whether the ACK flag is set.
func (f *PingFrame) IsAck() bool { return f.Flags&FlagPingAck != 0 }

func (f *PingFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("PING payload must be 8 octets, got %d", f.Length))
	}
	if _, err := io.ReadFull(r, f.OpaqueData[:]); err != nil {
		return fmt.Errorf("reading PING payload: %w", err)
	}
	return nil
}

func (f *PingFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.OpaqueData[:])
	return int64(n), err
}

func (f *PingFrame) PayloadLen() uint32 { return 8 }

// GoAwayFrame is a GOAWAY frame (RFC 7540 Section 6.8).
type GoAwayFrame struct {
	FrameHeader
	LastStreamID        uint32
	ErrorCode           ErrorCode
	AdditionalDebugData []byte
}

func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *GoAwayFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length < 8 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("GOAWAY payload must be at least 8 octets, got %d", f.Length))
	}
	var fixed [8]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return fmt.Errorf("reading GOAWAY payload: %w", err)
	}
	f.LastStreamID = binary.BigEndian.Uint32(fixed[0:4]) & 0x7FFFFFFF
	f.ErrorCode = ErrorCode(binary.BigEndian.Uint32(fixed[4:8]))
	f.AdditionalDebugData = make([]byte, f.Length-8)
	if _, err := io.ReadFull(r, f.AdditionalDebugData); err != nil {
		return fmt.Errorf("reading GOAWAY debug data: %w", err)
	}
	return nil
}

func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	var fixed [8]byte
	binary.BigEndian.PutUint32(fixed[0:4], f.LastStreamID&0x7FFFFFFF)
	binary.BigEndian.PutUint32(fixed[4:8], uint32(f.ErrorCode))
	n, err := w.Write(fixed[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.AdditionalDebugData)
	total += int64(n)
	return total, err
}

func (f *GoAwayFrame) PayloadLen() uint32 {
	return 8 + uint32(len(f.AdditionalDebugData))
}

// WindowUpdateFrame is a WINDOW_UPDATE frame (RFC 7540 Section 6.9).
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32
}

func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *WindowUpdateFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("WINDOW_UPDATE payload must be 4 octets, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading WINDOW_UPDATE increment: %w", err)
	}
	// The top bit is reserved; a zero increment is rejected by the
	// window-update handler, which knows the stream context.
	f.WindowSizeIncrement = binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF
	return nil
}

func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.WindowSizeIncrement&0x7FFFFFFF)
	n, err := w.Write(buf[:])
	return int64(n), err
}

func (f *WindowUpdateFrame) PayloadLen() uint32 { return 4 }

// ContinuationFrame is a CONTINUATION frame (RFC 7540 Section 6.10).
type ContinuationFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

func (f *ContinuationFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *ContinuationFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "CONTINUATION frame on stream 0")
	}
	f.HeaderBlockFragment = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.HeaderBlockFragment); err != nil {
		return fmt.Errorf("reading CONTINUATION fragment: %w", err)
	}
	return nil
}

func (f *ContinuationFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

func (f *ContinuationFrame) PayloadLen() uint32 {
	return uint32(len(f.HeaderBlockFragment))
}

// UnknownFrame holds a frame of unrecognized type. RFC 7540 Section 4.1:
// such frames are consumed and ignored.
type UnknownFrame struct {
	FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() *FrameHeader { return &f.FrameHeader }

func (f *UnknownFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	f.Payload = make([]byte, f.Length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return fmt.Errorf("reading unknown frame payload: %w", err)
	}
	return nil
}

func (f *UnknownFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.Payload)
	return int64(n), err
}

func (f *UnknownFrame) PayloadLen() uint32 { return uint32(len(f.Payload)) }

// discardPayload consumes n octets so a typed error can be returned
// without desynchronizing the frame boundary.
func discardPayload(r io.Reader, n uint32) error {
	if n == 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
		return fmt.Errorf("discarding payload: %w", err)
	}
	return nil
}

// newFrame returns the zero frame value for a type byte.
func newFrame(t FrameType) Frame {
	switch t {
	case FrameData:
		return &DataFrame{}
	case FrameHeaders:
		return &HeadersFrame{}
	case FramePriority:
		return &PriorityFrame{}
	case FrameRSTStream:
		return &RSTStreamFrame{}
	case FrameSettings:
		return &SettingsFrame{}
	case FramePushPromise:
		return &PushPromiseFrame{}
	case FramePing:
		return &PingFrame{}
	case FrameGoAway:
		return &GoAwayFrame{}
	case FrameWindowUpdate:
		return &WindowUpdateFrame{}
	case FrameContinuation:
		return &ContinuationFrame{}
	default:
		return &UnknownFrame{}
	}
}

// ReadFrame reads one complete frame from r. Parse failures surface as
// *StreamError or *ConnectionError where the RFC assigns a severity;
// transport failures are returned as-is.
func ReadFrame(r io.Reader) (Frame, error) {
	fh, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	f := newFrame(fh.Type)
	if err := f.ParsePayload(r, fh); err != nil {
		return nil, err
	}
	return f, nil
}

// WriteFrame serializes one complete frame to w, deriving the header
// length field from the payload.
func WriteFrame(w io.Writer, f Frame) error {
	header := f.Header()
	header.Length = f.PayloadLen()
	if _, err := header.WriteTo(w); err != nil {
		return fmt.Errorf("writing %s header: %w", header.Type, err)
	}
	n, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload: %w", header.Type, err)
	}
	if uint32(n) != header.Length {
		return fmt.Errorf("internal: %s payload wrote %d octets, declared %d", header.Type, n, header.Length)
	}
	return nil
}

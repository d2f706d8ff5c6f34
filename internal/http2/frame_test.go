package http2

import (
	"bytes"
	"reflect"
	"testing"
)

func roundTripFrame(t *testing.T, f Frame) Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("ReadFrame left %d unread octets", buf.Len())
	}
	return got
}

func TestFrameHeaderRoundTrip(t *testing.T) {
	fh := FrameHeader{Length: 0x123456, Type: FrameData, Flags: FlagDataEndStream, StreamID: 0x7ABCDEF0 & 0x7FFFFFFF}
	var buf bytes.Buffer
	if _, err := fh.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if buf.Len() != FrameHeaderLen {
		t.Fatalf("header serialized to %d octets, want %d", buf.Len(), FrameHeaderLen)
	}
	got, err := ReadFrameHeader(&buf)
	if err != nil {
		t.Fatalf("ReadFrameHeader failed: %v", err)
	}
	if got != fh {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, fh)
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	f := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: FlagDataEndStream, StreamID: 1},
		Data:        []byte("hello"),
	}
	got := roundTripFrame(t, f).(*DataFrame)
	if string(got.Data) != "hello" {
		t.Errorf("data = %q, want %q", got.Data, "hello")
	}
	if got.Flags&FlagDataEndStream == 0 {
		t.Error("END_STREAM flag lost")
	}
}

func TestDataFramePaddedRoundTrip(t *testing.T) {
	f := &DataFrame{
		FrameHeader: FrameHeader{Type: FrameData, Flags: FlagDataPadded, StreamID: 3},
		PadLength:   3,
		Data:        []byte("hi"),
		Padding:     make([]byte, 3),
	}
	if f.PayloadLen() != 6 {
		t.Fatalf("PayloadLen = %d, want 6", f.PayloadLen())
	}
	got := roundTripFrame(t, f).(*DataFrame)
	if string(got.Data) != "hi" {
		t.Errorf("data = %q, want %q", got.Data, "hi")
	}
	if got.PadLength != 3 || len(got.Padding) != 3 {
		t.Errorf("padding not preserved: padLength=%d, padding=%v", got.PadLength, got.Padding)
	}
}

func TestDataFramePadLengthEqualsPayload(t *testing.T) {
	// The pad-length octet counts toward the payload, so a pad length
	// equal to the remaining payload is one octet too many.
	var buf bytes.Buffer
	fh := FrameHeader{Length: 3, Type: FrameData, Flags: FlagDataPadded, StreamID: 1}
	if _, err := fh.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{3, 0, 0}) // pad length 3, but only 2 octets follow

	_, err := ReadFrame(&buf)
	ce, ok := err.(*ConnectionError)
	if !ok {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if ce.Code != ErrCodeProtocolError {
		t.Errorf("code = %s, want PROTOCOL_ERROR", ce.Code)
	}
}

func TestHeadersFrameWithPriorityRoundTrip(t *testing.T) {
	f := &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, Flags: FlagHeadersEndHeaders | FlagHeadersPriority, StreamID: 5},
		Exclusive:           true,
		StreamDependency:    3,
		Weight:              15,
		HeaderBlockFragment: []byte{0x82, 0x84},
	}
	got := roundTripFrame(t, f).(*HeadersFrame)
	if !got.Exclusive || got.StreamDependency != 3 || got.Weight != 15 {
		t.Errorf("priority block mismatch: %+v", got)
	}
	if !bytes.Equal(got.HeaderBlockFragment, f.HeaderBlockFragment) {
		t.Errorf("fragment mismatch: %v", got.HeaderBlockFragment)
	}
}

func TestPriorityFrameRoundTrip(t *testing.T) {
	f := &PriorityFrame{
		FrameHeader:      FrameHeader{Type: FramePriority, StreamID: 7},
		StreamDependency: 5,
		Weight:           200,
	}
	got := roundTripFrame(t, f).(*PriorityFrame)
	if got.StreamDependency != 5 || got.Weight != 200 || got.Exclusive {
		t.Errorf("mismatch: %+v", got)
	}
}

func TestPriorityFrameBadLength(t *testing.T) {
	var buf bytes.Buffer
	fh := FrameHeader{Length: 4, Type: FramePriority, StreamID: 7}
	if _, err := fh.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	buf.Write(make([]byte, 4))

	_, err := ReadFrame(&buf)
	se, ok := err.(*StreamError)
	if !ok {
		t.Fatalf("expected *StreamError, got %v", err)
	}
	if se.Code != ErrCodeFrameSizeError || se.StreamID != 7 {
		t.Errorf("got code %s on stream %d", se.Code, se.StreamID)
	}
	if buf.Len() != 0 {
		t.Errorf("payload not consumed: %d octets left", buf.Len())
	}
}

func TestRSTStreamFrameRoundTrip(t *testing.T) {
	f := &RSTStreamFrame{
		FrameHeader: FrameHeader{Type: FrameRSTStream, StreamID: 9},
		ErrorCode:   ErrCodeCancel,
	}
	got := roundTripFrame(t, f).(*RSTStreamFrame)
	if got.ErrorCode != ErrCodeCancel {
		t.Errorf("code = %s, want CANCEL", got.ErrorCode)
	}
}

func TestSettingsPayloadRoundTrip(t *testing.T) {
	settings := []Setting{
		{SettingHeaderTableSize, 8192},
		{SettingEnablePush, 0},
		{SettingMaxConcurrentStreams, 50},
		{SettingInitialWindowSize, 1 << 20},
		{SettingMaxFrameSize, 1 << 15},
		{SettingMaxHeaderListSize, 1 << 14},
	}
	packed := packSettingsPayload(settings)
	if got := packSettingsPayload(parseSettingsPayload(packed)); !bytes.Equal(got, packed) {
		t.Errorf("pack(parse(bytes)) != bytes:\n got %x\nwant %x", got, packed)
	}
	if got := parseSettingsPayload(packed); !reflect.DeepEqual(got, settings) {
		t.Errorf("parse(pack(settings)) = %+v, want %+v", got, settings)
	}
}

func TestSettingsFrameRoundTrip(t *testing.T) {
	f := &SettingsFrame{
		FrameHeader: FrameHeader{Type: FrameSettings},
		Settings:    []Setting{{SettingMaxFrameSize, 65536}},
	}
	got := roundTripFrame(t, f).(*SettingsFrame)
	if !reflect.DeepEqual(got.Settings, f.Settings) {
		t.Errorf("settings mismatch: %+v", got.Settings)
	}
}

func TestSettingsAckWithPayloadRejected(t *testing.T) {
	var buf bytes.Buffer
	fh := FrameHeader{Length: 6, Type: FrameSettings, Flags: FlagSettingsAck}
	if _, err := fh.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	buf.Write(make([]byte, 6))
	_, err := ReadFrame(&buf)
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Code != ErrCodeFrameSizeError {
		t.Fatalf("expected FRAME_SIZE_ERROR connection error, got %v", err)
	}
}

func TestPushPromiseFrameRoundTrip(t *testing.T) {
	f := &PushPromiseFrame{
		FrameHeader:         FrameHeader{Type: FramePushPromise, Flags: FlagPushPromiseEndHeaders, StreamID: 1},
		PromisedStreamID:    2,
		HeaderBlockFragment: []byte{0x82},
	}
	got := roundTripFrame(t, f).(*PushPromiseFrame)
	if got.PromisedStreamID != 2 {
		t.Errorf("promised id = %d, want 2", got.PromisedStreamID)
	}
}

func TestPingFrameRoundTrip(t *testing.T) {
	f := &PingFrame{
		FrameHeader: FrameHeader{Type: FramePing},
		OpaqueData:  [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	got := roundTripFrame(t, f).(*PingFrame)
	if got.OpaqueData != f.OpaqueData {
		t.Errorf("opaque data mismatch: %v", got.OpaqueData)
	}
}

func TestGoAwayFrameRoundTrip(t *testing.T) {
	f := &GoAwayFrame{
		FrameHeader:         FrameHeader{Type: FrameGoAway},
		LastStreamID:        17,
		ErrorCode:           ErrCodeEnhanceYourCalm,
		AdditionalDebugData: []byte("slow down"),
	}
	got := roundTripFrame(t, f).(*GoAwayFrame)
	if got.LastStreamID != 17 || got.ErrorCode != ErrCodeEnhanceYourCalm {
		t.Errorf("mismatch: %+v", got)
	}
	if string(got.AdditionalDebugData) != "slow down" {
		t.Errorf("debug data = %q", got.AdditionalDebugData)
	}
}

func TestWindowUpdateFrameRoundTrip(t *testing.T) {
	f := &WindowUpdateFrame{
		FrameHeader:         FrameHeader{Type: FrameWindowUpdate, StreamID: 1},
		WindowSizeIncrement: MaxWindowSize,
	}
	got := roundTripFrame(t, f).(*WindowUpdateFrame)
	if got.WindowSizeIncrement != MaxWindowSize {
		t.Errorf("increment = %d, want %d", got.WindowSizeIncrement, int64(MaxWindowSize))
	}
}

func TestContinuationFrameRoundTrip(t *testing.T) {
	f := &ContinuationFrame{
		FrameHeader:         FrameHeader{Type: FrameContinuation, Flags: FlagContinuationEndHeaders, StreamID: 1},
		HeaderBlockFragment: []byte{0x88},
	}
	got := roundTripFrame(t, f).(*ContinuationFrame)
	if !bytes.Equal(got.HeaderBlockFragment, f.HeaderBlockFragment) {
		t.Errorf("fragment mismatch")
	}
}

func TestUnknownFrameTypeConsumed(t *testing.T) {
	var buf bytes.Buffer
	fh := FrameHeader{Length: 4, Type: FrameType(0x42), StreamID: 0}
	if _, err := fh.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	uf, ok := f.(*UnknownFrame)
	if !ok {
		t.Fatalf("expected *UnknownFrame, got %T", f)
	}
	if len(uf.Payload) != 4 || buf.Len() != 0 {
		t.Errorf("payload not fully consumed")
	}
}

func TestFrameTypeStrings(t *testing.T) {
	if FrameData.String() != "DATA" || FrameContinuation.String() != "CONTINUATION" {
		t.Error("frame type names wrong")
	}
	if ErrCodeHTTP11Required.String() != "HTTP_1_1_REQUIRED" {
		t.Error("error code name wrong")
	}
}

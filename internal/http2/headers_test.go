package http2

import (
	"reflect"
	"testing"

	"golang.org/x/net/http2/hpack"
)

func hf(name, value string) hpack.HeaderField {
	return hpack.HeaderField{Name: name, Value: value}
}

func TestValidateHeaderListRequests(t *testing.T) {
	get := []hpack.HeaderField{
		hf(":method", "GET"), hf(":scheme", "https"), hf(":path", "/"), hf(":authority", "example.com"),
	}

	tests := []struct {
		name      string
		fields    []hpack.HeaderField
		isRequest bool
		blockIdx  int
		endStream bool
		wantCode  ErrorCode
		wantOK    bool
	}{
		{name: "valid GET", fields: get, isRequest: true, wantOK: true},
		{
			name:      "pseudo after regular",
			fields:    []hpack.HeaderField{hf(":method", "GET"), hf("accept", "*/*"), hf(":scheme", "https"), hf(":path", "/")},
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "response pseudo in request",
			fields:    []hpack.HeaderField{hf(":status", "200"), hf(":method", "GET"), hf(":scheme", "https"), hf(":path", "/")},
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "request pseudo in response",
			fields:    []hpack.HeaderField{hf(":method", "GET")},
			isRequest: false, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "connection header forbidden",
			fields:    append(slicesClone(get), hf("connection", "keep-alive")),
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "te trailers allowed",
			fields:    append(slicesClone(get), hf("te", "trailers")),
			isRequest: true, wantOK: true,
		},
		{
			name:      "te other value rejected",
			fields:    append(slicesClone(get), hf("te", "gzip")),
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "missing method",
			fields:    []hpack.HeaderField{hf(":scheme", "https"), hf(":path", "/")},
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "duplicate method",
			fields:    append(slicesClone(get), hf(":method", "POST")),
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "empty path with https",
			fields:    []hpack.HeaderField{hf(":method", "GET"), hf(":scheme", "https"), hf(":path", "")},
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "CONNECT omits scheme and path",
			fields:    []hpack.HeaderField{hf(":method", "CONNECT"), hf(":authority", "example.com:443")},
			isRequest: true, wantOK: true,
		},
		{
			name:      "CONNECT with path rejected",
			fields:    []hpack.HeaderField{hf(":method", "CONNECT"), hf(":path", "/")},
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "uppercase name rejected",
			fields:    append(slicesClone(get), hf("Accept", "*/*")),
			isRequest: true, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "valid response",
			fields:    []hpack.HeaderField{hf(":status", "200"), hf("content-type", "text/plain")},
			isRequest: false, wantOK: true,
		},
		{
			name:      "response without status",
			fields:    []hpack.HeaderField{hf("content-type", "text/plain")},
			isRequest: false, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "response with two statuses",
			fields:    []hpack.HeaderField{hf(":status", "200"), hf(":status", "204")},
			isRequest: false, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "trailers valid",
			fields:    []hpack.HeaderField{hf("grpc-status", "0")},
			isRequest: true, blockIdx: 1, endStream: true, wantOK: true,
		},
		{
			name:      "trailers without end stream",
			fields:    []hpack.HeaderField{hf("grpc-status", "0")},
			isRequest: true, blockIdx: 1, endStream: false, wantCode: ErrCodeProtocolError,
		},
		{
			name:      "pseudo header in trailers",
			fields:    []hpack.HeaderField{hf(":method", "GET")},
			isRequest: true, blockIdx: 1, endStream: true, wantCode: ErrCodeProtocolError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validateHeaderList(tc.fields, 1, tc.isRequest, tc.blockIdx, tc.endStream)
			if tc.wantOK {
				if err != nil {
					t.Fatalf("expected valid, got %v", err)
				}
				return
			}
			se, ok := err.(*StreamError)
			if !ok {
				t.Fatalf("expected *StreamError, got %v", err)
			}
			if se.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", se.Code, tc.wantCode)
			}
		})
	}
}

func slicesClone(in []hpack.HeaderField) []hpack.HeaderField {
	out := make([]hpack.HeaderField, len(in))
	copy(out, in)
	return out
}

func TestVerifyPadding(t *testing.T) {
	if err := verifyPadding([]byte{0, 0, 0}, 1); err != nil {
		t.Errorf("zero padding rejected: %v", err)
	}
	if err := verifyPadding(nil, 1); err != nil {
		t.Errorf("empty padding rejected: %v", err)
	}
	err := verifyPadding([]byte{0, 1, 0}, 1)
	ce, ok := err.(*ConnectionError)
	if !ok || ce.Code != ErrCodeProtocolError {
		t.Errorf("non-zero padding: got %v, want PROTOCOL_ERROR connection error", err)
	}
}

func TestHeaderAssemblySizeCap(t *testing.T) {
	ab := &headerAssembly{streamID: 1, initialType: FrameHeaders}
	frag := make([]byte, 64*1024)
	for i := 0; i < 6; i++ {
		if err := ab.appendFragment(frag, uint32(len(frag))); err != nil {
			t.Fatalf("fragment %d rejected below the cap: %v", i, err)
		}
	}
	// The seventh 64 KiB fragment crosses 400 KiB.
	err := ab.appendFragment(frag, uint32(len(frag)))
	ce, ok := err.(*ConnectionError)
	if !ok {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if ce.Code != ErrCodeProtocolError {
		t.Errorf("code = %s, want PROTOCOL_ERROR", ce.Code)
	}
}

func TestHpackCodecRoundTrip(t *testing.T) {
	enc := newHpackCodec(DefaultHeaderTableSize)
	dec := newHpackCodec(DefaultHeaderTableSize)

	fields := []hpack.HeaderField{
		hf(":status", "200"),
		hf("content-type", "text/html"),
		hf("x-custom", "a value that will not fit the static table"),
	}
	block, err := enc.encode(fields)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := dec.decodeFragment(block); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, err := dec.finishDecoding()
	if err != nil {
		t.Fatalf("finishDecoding failed: %v", err)
	}
	assertFieldsEqual(t, got, fields)
}

func TestHpackCodecFragmentedRoundTrip(t *testing.T) {
	// A block split across arbitrary fragment boundaries must decode to
	// the same list as a single-fragment encoding.
	enc := newHpackCodec(DefaultHeaderTableSize)
	dec := newHpackCodec(DefaultHeaderTableSize)

	fields := []hpack.HeaderField{
		hf(":status", "200"),
		hf("server", "h2core"),
		hf("set-cookie", "a=b; Path=/; HttpOnly"),
	}
	block, err := enc.encode(fields)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(block) < 3 {
		t.Fatalf("block too small to fragment: %d octets", len(block))
	}
	cut := len(block) / 3
	for _, frag := range [][]byte{block[:cut], block[cut : 2*cut], block[2*cut:]} {
		if err := dec.decodeFragment(frag); err != nil {
			t.Fatalf("decode fragment failed: %v", err)
		}
	}
	got, err := dec.finishDecoding()
	if err != nil {
		t.Fatalf("finishDecoding failed: %v", err)
	}
	assertFieldsEqual(t, got, fields)
}

func TestHpackCodecTruncatedBlock(t *testing.T) {
	enc := newHpackCodec(DefaultHeaderTableSize)
	dec := newHpackCodec(DefaultHeaderTableSize)

	block, err := enc.encode([]hpack.HeaderField{hf("x-long-header-name", "with a long enough value to truncate")})
	if err != nil {
		t.Fatal(err)
	}
	if err := dec.decodeFragment(block[:len(block)-3]); err != nil {
		// Truncation may surface on Write or on Close; either way the
		// code must be COMPRESSION_ERROR.
		ce, ok := err.(*ConnectionError)
		if !ok || ce.Code != ErrCodeCompressionError {
			t.Fatalf("got %v, want COMPRESSION_ERROR connection error", err)
		}
		return
	}
	_, err = dec.finishDecoding()
	ce, ok := err.(*ConnectionError)
	if !ok {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if ce.Code != ErrCodeCompressionError {
		t.Errorf("code = %s, want COMPRESSION_ERROR", ce.Code)
	}
}

func assertFieldsEqual(t *testing.T, got, want []hpack.HeaderField) {
	t.Helper()
	gotPairs := make([][2]string, len(got))
	for i, f := range got {
		gotPairs[i] = [2]string{f.Name, f.Value}
	}
	wantPairs := make([][2]string, len(want))
	for i, f := range want {
		wantPairs[i] = [2]string{f.Name, f.Value}
	}
	if !reflect.DeepEqual(gotPairs, wantPairs) {
		t.Errorf("header lists differ:\n got %v\nwant %v", gotPairs, wantPairs)
	}
}

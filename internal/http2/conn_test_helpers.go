package http2

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/http2/hpack"
)

// testRW is the in-memory transport used by connection tests. Tests
// queue inbound frames into in before driving the connection with
// ServeOne, and harvest outbound frames from out with takeFrames.
type testRW struct {
	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer
}

func newTestRW() *testRW { return &testRW{} }

func (rw *testRW) Read(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.in.Read(p)
}

func (rw *testRW) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.out.Write(p)
}

// feed queues one frame for the connection to read.
func (rw *testRW) feed(t *testing.T, f Frame) {
	t.Helper()
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if err := WriteFrame(&rw.in, f); err != nil {
		t.Fatalf("feeding %s frame: %v", f.Header().Type, err)
	}
}

// takeFrames parses and drains everything the connection has written.
func (rw *testRW) takeFrames(t *testing.T) []Frame {
	t.Helper()
	rw.mu.Lock()
	defer rw.mu.Unlock()
	var frames []Frame
	for rw.out.Len() > 0 {
		f, err := ReadFrame(&rw.out)
		if err != nil {
			t.Fatalf("parsing written frame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

// waitFrames polls until the connection has written at least n frames or
// the timeout expires. Used when another goroutine produces the output.
func (rw *testRW) waitFrames(t *testing.T, n int, timeout time.Duration) []Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var frames []Frame
	for {
		frames = append(frames, rw.takeFrames(t)...)
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d of %d expected frames", len(frames), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// testPeer encodes header blocks the way the remote endpoint would, with
// its own HPACK context.
type testPeer struct {
	buf bytes.Buffer
	enc *hpack.Encoder
}

func newTestPeer() *testPeer {
	p := &testPeer{}
	p.enc = hpack.NewEncoder(&p.buf)
	return p
}

func (p *testPeer) encode(t *testing.T, fields []hpack.HeaderField) []byte {
	t.Helper()
	p.buf.Reset()
	for _, hf := range fields {
		if err := p.enc.WriteField(hf); err != nil {
			t.Fatalf("encoding %q: %v", hf.Name, err)
		}
	}
	out := make([]byte, p.buf.Len())
	copy(out, p.buf.Bytes())
	return out
}

// serveFrames drives the connection once per queued frame, failing the
// test on any connection-level error.
func serveFrames(t *testing.T, c *Conn, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := c.ServeOne(); err != nil {
			t.Fatalf("ServeOne %d failed: %v", i, err)
		}
	}
}

var testGetHeaders = []hpack.HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":scheme", Value: "https"},
	{Name: ":path", Value: "/"},
	{Name: ":authority", Value: "example.com"},
}

// openServerStream feeds a request HEADERS block (no END_STREAM) and
// returns the accepted stream.
func openServerStream(t *testing.T, c *Conn, rw *testRW, peer *testPeer, streamID uint32) *Stream {
	t.Helper()
	rw.feed(t, &HeadersFrame{
		FrameHeader:         FrameHeader{Type: FrameHeaders, Flags: FlagHeadersEndHeaders, StreamID: streamID},
		HeaderBlockFragment: peer.encode(t, testGetHeaders),
	})
	serveFrames(t, c, 1)
	s, err := c.AcceptStream(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("AcceptStream failed: %v", err)
	}
	if s.ID() != streamID {
		t.Fatalf("accepted stream %d, want %d", s.ID(), streamID)
	}
	return s
}

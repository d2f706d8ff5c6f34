package http2

import (
	"fmt"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// headerAssembly tracks a header block in flight: a HEADERS or
// PUSH_PROMISE frame without END_HEADERS followed by CONTINUATION frames
// on the same stream. While one is active no other frame is admissible
// on the connection.
type headerAssembly struct {
	streamID    uint32
	promisedID  uint32 // set when initialType is PUSH_PROMISE
	initialType FrameType
	endStream   bool

	fragments [][]byte
	// declared accumulates the declared payload length of every frame in
	// the block, before padding strip, against MaxHeaderBufferSize.
	declared uint32
}

// priorityParams carries the 5-octet priority block of a HEADERS frame.
type priorityParams struct {
	depID     uint32
	weight    uint16 // effective 1..256
	exclusive bool
}

// appendFragment accumulates one fragment, enforcing the pre-HPACK size
// cap on the declared (pre-strip) payload total.
func (a *headerAssembly) appendFragment(fragment []byte, declaredLen uint32) error {
	a.declared += declaredLen
	if a.declared > MaxHeaderBufferSize {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("header block on stream %d exceeds %d octet buffer", a.streamID, MaxHeaderBufferSize))
	}
	a.fragments = append(a.fragments, fragment)
	return nil
}

// verifyPadding checks that stripped padding octets are all zero.
// RFC 7540 Section 6.1 permits treating non-zero padding as a protocol
// violation and this endpoint does.
func verifyPadding(padding []byte, streamID uint32) error {
	for _, b := range padding {
		if b != 0 {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("non-zero padding octet on stream %d", streamID))
		}
	}
	return nil
}

// Request pseudo-header names (RFC 7540 Section 8.1.2.3) and the single
// response pseudo-header (Section 8.1.2.4).
var requestPseudoHeaders = map[string]bool{
	":method":    true,
	":scheme":    true,
	":path":      true,
	":authority": true,
}

const statusPseudoHeader = ":status"

// validateHeaderList applies the RFC 7540 Section 8.1.2 rules to a
// decoded header block. isRequest selects the request or response rule
// set (a server validates what it receives as requests, a client as
// responses). blockIndex is 0 for the first block on the stream and 1
// for trailers; a third block is rejected by the caller. endStream
// reports whether the block's initial frame carried END_STREAM.
func validateHeaderList(fields []hpack.HeaderField, streamID uint32, isRequest bool, blockIndex int, endStream bool) error {
	if blockIndex >= 1 && !endStream {
		return NewStreamError(streamID, ErrCodeProtocolError,
			"trailer block without END_STREAM")
	}

	var (
		sawRegular bool
		methods    []string
		schemes    []string
		paths      []string
		statuses   int
	)

	for _, hf := range fields {
		if strings.ToLower(hf.Name) != hf.Name {
			return NewStreamError(streamID, ErrCodeProtocolError,
				fmt.Sprintf("header field name %q contains uppercase characters", hf.Name))
		}
		if strings.HasPrefix(hf.Name, ":") {
			if sawRegular {
				return NewStreamError(streamID, ErrCodeProtocolError,
					fmt.Sprintf("pseudo-header %q after a regular header", hf.Name))
			}
			if blockIndex >= 1 {
				return NewStreamError(streamID, ErrCodeProtocolError,
					fmt.Sprintf("pseudo-header %q in trailers", hf.Name))
			}
			switch {
			case isRequest && requestPseudoHeaders[hf.Name]:
				switch hf.Name {
				case ":method":
					methods = append(methods, hf.Value)
				case ":scheme":
					schemes = append(schemes, hf.Value)
				case ":path":
					paths = append(paths, hf.Value)
				}
			case !isRequest && hf.Name == statusPseudoHeader:
				statuses++
			default:
				return NewStreamError(streamID, ErrCodeProtocolError,
					fmt.Sprintf("pseudo-header %q not valid here", hf.Name))
			}
			continue
		}
		sawRegular = true
		switch hf.Name {
		case "connection":
			return NewStreamError(streamID, ErrCodeProtocolError,
				"connection header is not valid in HTTP/2")
		case "te":
			if hf.Value != "trailers" {
				return NewStreamError(streamID, ErrCodeProtocolError,
					fmt.Sprintf("te header value %q; only \"trailers\" is allowed", hf.Value))
			}
		}
	}

	if blockIndex >= 1 {
		return nil
	}

	if isRequest {
		if len(methods) != 1 {
			return NewStreamError(streamID, ErrCodeProtocolError,
				fmt.Sprintf("request carries %d :method pseudo-headers", len(methods)))
		}
		if methods[0] == "CONNECT" {
			// RFC 7540 Section 8.3: CONNECT omits :scheme and :path.
			if len(schemes) != 0 || len(paths) != 0 {
				return NewStreamError(streamID, ErrCodeProtocolError,
					"CONNECT request carries :scheme or :path")
			}
			return nil
		}
		if len(schemes) != 1 {
			return NewStreamError(streamID, ErrCodeProtocolError,
				fmt.Sprintf("request carries %d :scheme pseudo-headers", len(schemes)))
		}
		if len(paths) != 1 {
			return NewStreamError(streamID, ErrCodeProtocolError,
				fmt.Sprintf("request carries %d :path pseudo-headers", len(paths)))
		}
		if (schemes[0] == "http" || schemes[0] == "https") && paths[0] == "" {
			return NewStreamError(streamID, ErrCodeProtocolError, "empty :path")
		}
		return nil
	}

	if statuses != 1 {
		return NewStreamError(streamID, ErrCodeProtocolError,
			fmt.Sprintf("response carries %d :status pseudo-headers", statuses))
	}
	return nil
}

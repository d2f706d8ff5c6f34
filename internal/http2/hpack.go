package http2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2/hpack"
)

// hpackCodec owns the connection's stateful HPACK contexts. The encoder
// and its buffer must only be touched under the connection's write lock;
// the decoder must only be touched by the connection's dispatch loop.
type hpackCodec struct {
	enc    *hpack.Encoder
	encBuf bytes.Buffer

	dec    *hpack.Decoder
	fields []hpack.HeaderField
}

func newHpackCodec(tableSize uint32) *hpackCodec {
	c := &hpackCodec{}
	c.enc = hpack.NewEncoder(&c.encBuf)
	c.enc.SetMaxDynamicTableSize(tableSize)
	c.dec = hpack.NewDecoder(tableSize, func(hf hpack.HeaderField) {
		c.fields = append(c.fields, hf)
	})
	return c
}

// encode serializes a header list into a fresh byte slice. The internal
// buffer is reused across calls.
func (c *hpackCodec) encode(fields []hpack.HeaderField) ([]byte, error) {
	c.encBuf.Reset()
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: empty header field name (value %q)", hf.Value)
		}
		if err := c.enc.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: encoding field %q: %w", hf.Name, err)
		}
	}
	out := make([]byte, c.encBuf.Len())
	copy(out, c.encBuf.Bytes())
	return out, nil
}

// decodeFragment feeds one header-block fragment to the decoder. Fields
// accumulate until finishDecoding.
func (c *hpackCodec) decodeFragment(fragment []byte) error {
	if _, err := c.dec.Write(fragment); err != nil {
		return NewConnectionError(ErrCodeCompressionError,
			fmt.Sprintf("hpack decode failed: %v", err))
	}
	return nil
}

// finishDecoding closes out the current header block and returns the
// accumulated fields. The decoder must have consumed the block exactly;
// residual partial state is a COMPRESSION_ERROR.
func (c *hpackCodec) finishDecoding() ([]hpack.HeaderField, error) {
	err := c.dec.Close()
	fields := c.fields
	c.fields = nil
	if err != nil {
		return nil, NewConnectionError(ErrCodeCompressionError,
			fmt.Sprintf("hpack block did not decode to completion: %v", err))
	}
	return fields, nil
}

// setEncoderTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE. The
// encoder emits a dynamic table size update at the start of the next
// header block it produces.
func (c *hpackCodec) setEncoderTableSize(size uint32) {
	c.enc.SetMaxDynamicTableSize(size)
}

// setDecoderTableSize applies our advertised SETTINGS_HEADER_TABLE_SIZE
// once the peer has acknowledged it.
func (c *hpackCodec) setDecoderTableSize(size uint32) {
	c.dec.SetMaxDynamicTableSize(size)
}

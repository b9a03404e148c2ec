package debugserver

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

// terminator ends every frame
const terminator = 0

// MaxFrameSize is the largest payload a decoder accepts
const MaxFrameSize = 1 << 20

// Encoder writes NUL terminated frames. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame writes a raw frame. The payload must not contain NUL bytes.
func (e *Encoder) WriteFrame(payload []byte) error {
	if bytes.IndexByte(payload, terminator) >= 0 {
		return fmt.Errorf("frame payload contains a NUL byte")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, terminator)
	_, err := e.w.Write(frame)
	return err
}

// Request encodes and writes a request
func (e *Encoder) Request(request Request) error {
	payload, err := EncodeRequest(request)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// Response encodes and writes a response
func (e *Encoder) Response(response Response) error {
	payload, err := EncodeResponse(response)
	if err != nil {
		return err
	}
	return e.WriteFrame(payload)
}

// Decoder reads NUL terminated frames
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadFrame returns the payload of the next frame. A stream ending in the middle of a
// frame returns io.ErrUnexpectedEOF. Frames larger than MaxFrameSize are skipped up to
// their terminator and reported as ErrMalformed.
func (d *Decoder) ReadFrame() ([]byte, error) {
	var frame []byte
	oversized := false

	for {
		chunk, err := d.r.ReadSlice(terminator)
		if !oversized {
			if len(frame)+len(chunk) > MaxFrameSize+1 {
				oversized = true
				frame = nil
			} else {
				frame = append(frame, chunk...)
			}
		}

		switch {
		case err == bufio.ErrBufferFull:
			continue
		case err == io.EOF && (oversized || len(frame) > 0):
			return nil, io.ErrUnexpectedEOF
		case err != nil:
			return nil, err
		case oversized:
			return nil, utils.MakeError(ErrMalformed, "frame larger than %d bytes", MaxFrameSize)
		}
		return frame[:len(frame)-1], nil
	}
}

// Request reads and decodes the next request. Transport errors and decoding errors can be
// told apart with errors.Is(err, ErrMalformed) and errors.Is(err, ErrUnknownMessage).
func (d *Decoder) Request() (Request, error) {
	frame, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(frame)
}

// Response reads and decodes the next response
func (d *Decoder) Response() (Response, error) {
	frame, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(frame)
}

package sandbox

import "bytes"

// outputBuffer stages guest output between an entry point call and the
// inject_message that hands it to the host.
type outputBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (o *outputBuffer) fits(n int) bool {
	return o.limit <= 0 || o.buf.Len()+n <= o.limit
}

func (o *outputBuffer) Write(p []byte) error {
	if !o.fits(len(p)) {
		return ErrOutputLimit
	}
	o.buf.Write(p)
	return nil
}

func (o *outputBuffer) WriteString(s string) error {
	if !o.fits(len(s)) {
		return ErrOutputLimit
	}
	o.buf.WriteString(s)
	return nil
}

// Bytes aliases the buffer; it is invalidated by the next write or Reset.
func (o *outputBuffer) Bytes() []byte { return o.buf.Bytes() }

func (o *outputBuffer) Len() int { return o.buf.Len() }

func (o *outputBuffer) Reset() { o.buf.Reset() }

// Take returns a copy of the contents and empties the buffer.
func (o *outputBuffer) Take() []byte {
	if o.buf.Len() == 0 {
		return nil
	}
	out := bytes.Clone(o.buf.Bytes())
	o.buf.Reset()
	return out
}

package pgwire

// Decoder accumulates transport chunks and yields complete frames.
// WebTransport stream reads are chunked independently of Postgres message
// boundaries, so a frame may arrive in any number of pieces and a single
// chunk may hold several frames.
//
// A Decoder is not safe for concurrent use. Frames returned by Next and
// NextStartup alias the internal buffer and are valid only until the next
// call to Feed.
type Decoder struct {
	buf     []byte
	off     int
	maxSize int64
}

// NewDecoder returns a Decoder enforcing the given maximum declared
// message size. Zero means unlimited.
func NewDecoder(maxSize int64) *Decoder {
	return &Decoder{maxSize: maxSize}
}

// Feed appends newly arrived bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.compact()
	d.buf = append(d.buf, p...)
}

// Next decodes the next regular (type-tagged) frame.
// ok is false when more data is needed.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	f, n, err := Decode(d.buf[d.off:], d.maxSize)
	if err != nil || n == 0 {
		return Frame{}, false, err
	}
	d.off += n
	return f, true, nil
}

// NextStartup decodes the next startup-format frame.
// ok is false when more data is needed.
func (d *Decoder) NextStartup() (f Frame, ok bool, err error) {
	f, n, err := DecodeStartup(d.buf[d.off:], d.maxSize)
	if err != nil || n == 0 {
		return Frame{}, false, err
	}
	d.off += n
	return f, true, nil
}

// Buffered returns the bytes that have been fed but not yet consumed by a
// decoded frame. The interceptor hands these to the bridge when a stream
// transitions to raw relay, so pipelined bytes that arrived behind the
// handshake are not lost.
func (d *Decoder) Buffered() []byte {
	return d.buf[d.off:]
}

// compact drops consumed bytes once they dominate the buffer, so a
// long-lived decoder does not grow without bound.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off > len(d.buf)/2 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
}

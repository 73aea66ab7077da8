package duplex

import (
	"io"

	"github.com/pkg/errors"
)

// Reassembler rebuilds messages from the Data frames of one half-stream.
// Fragments are copied, since frame buffers are reused once handled.
// A message is only ever returned whole.
type Reassembler struct {
	// Limit is the largest message accepted. Zero means MaxMessageSize.
	Limit  int
	chunks [][]byte
	size   int
	active bool
}

func (r *Reassembler) limit() int {
	if r.Limit > 0 {
		return r.Limit
	}
	return MaxMessageSize
}

// InProgress returns true if a message has been started but not finished.
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Buffered returns the number of payload bytes held for the message in progress.
func (r *Reassembler) Buffered() int {
	return r.size
}

// Track checks fragment order without buffering any payload.
func (r *Reassembler) Track(flags DataFlag) error {
	if flags.IsInit() == r.active {
		r.Abort()
		return errors.Wrapf(InterleavedError{}, "fragment %s", flags)
	}
	r.active = !flags.IsFin()
	return nil
}

// Accept adds one fragment. It returns the message when flags has FIN set.
// On error, any partial message is discarded.
func (r *Reassembler) Accept(flags DataFlag, payload []byte) (m *Message, err error) {
	if flags.IsInit() == r.active {
		r.Abort()
		return nil, errors.Wrapf(InterleavedError{}, "fragment %s", flags)
	}
	r.active = true
	if len(payload) > r.limit()-r.size {
		r.Abort()
		return nil, errors.WithStack(MessageTooLargeError{})
	}
	if len(payload) > 0 {
		r.chunks = append(r.chunks, append([]byte(nil), payload...))
		r.size += len(payload)
	}
	if flags.IsFin() {
		m = &Message{chunks: r.chunks, size: r.size}
		r.chunks = nil
		r.size = 0
		r.active = false
	}
	return
}

// Abort discards a partial message. It returns true if there was one.
func (r *Reassembler) Abort() (discarded bool) {
	discarded = r.active
	r.chunks = nil
	r.size = 0
	r.active = false
	return
}

// Message is a complete reassembled message. Its contents can be consumed
// once, either chunk by chunk with Next or as an io.Reader.
type Message struct {
	chunks [][]byte
	size   int
}

// Len returns the number of unconsumed bytes.
func (m *Message) Len() int {
	return m.size
}

// Next returns the next chunk, or false when the message is exhausted.
func (m *Message) Next() (chunk []byte, ok bool) {
	if len(m.chunks) > 0 {
		chunk, ok = m.chunks[0], true
		m.chunks[0] = nil
		m.chunks = m.chunks[1:]
		m.size -= len(chunk)
	}
	return
}

// Read implements io.Reader.
func (m *Message) Read(p []byte) (n int, err error) {
	for n < len(p) && len(m.chunks) > 0 {
		c := copy(p[n:], m.chunks[0])
		n += c
		m.size -= c
		if m.chunks[0] = m.chunks[0][c:]; len(m.chunks[0]) == 0 {
			m.chunks = m.chunks[1:]
		}
	}
	if n == 0 && len(p) > 0 {
		err = io.EOF
	}
	return
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (n int64, err error) {
	for err == nil {
		chunk, ok := m.Next()
		if !ok {
			break
		}
		var written int
		written, err = w.Write(chunk)
		n += int64(written)
	}
	return
}

// Bytes consumes the message and returns its contents.
func (m *Message) Bytes() (b []byte) {
	if len(m.chunks) == 1 {
		b, _ = m.Next()
		return
	}
	b = make([]byte, 0, m.size)
	for chunk, ok := m.Next(); ok; chunk, ok = m.Next() {
		b = append(b, chunk...)
	}
	return
}

// Fragmenter splits an outgoing message into Data frame payloads.
// Chunk peeks at the next fragment and Advance commits it, so a send
// refused by the window can be retried with a different limit.
type Fragmenter struct {
	rest    []byte
	started bool
	done    bool
}

// NewFragmenter returns a Fragmenter for payload.
// The payload must not be modified until the Fragmenter is done.
func NewFragmenter(payload []byte) *Fragmenter {
	return &Fragmenter{rest: payload}
}

// Done returns true once the FIN fragment has been committed.
func (fr *Fragmenter) Done() bool {
	return fr.done
}

// Remaining returns the number of bytes not yet committed.
func (fr *Fragmenter) Remaining() int {
	return len(fr.rest)
}

// Chunk returns the next fragment of at most limit bytes and its flags.
// A limit that is zero or less yields an empty fragment, which is only FIN
// if nothing remains.
func (fr *Fragmenter) Chunk(limit int) (chunk []byte, flags DataFlag) {
	if limit < 0 {
		limit = 0
	}
	if limit > len(fr.rest) {
		limit = len(fr.rest)
	}
	chunk = fr.rest[:limit]
	if !fr.started {
		flags |= FlagInit
	}
	if limit == len(fr.rest) {
		flags |= FlagFin
	}
	return
}

// Advance commits a fragment of n bytes returned by Chunk.
func (fr *Fragmenter) Advance(n int) {
	fr.rest = fr.rest[n:]
	fr.started = true
	if len(fr.rest) == 0 {
		fr.done = true
	}
}

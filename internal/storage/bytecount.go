package storage

import "io"

// ByteCountingReader wraps an upload body, counts every byte handed out, and
// fails the stream once the count would exceed a ceiling. Providers consume
// request bodies through it so that reconciliation can read back the exact
// byte count afterwards, and so that oversize streams are cut off mid-flight
// instead of after the fact.
//
// It is used from a single goroutine per stream and therefore keeps a plain
// counter.
type ByteCountingReader struct {
	src io.Reader
	n   int64
	max int64 // -1 disables the ceiling
	err error
}

// NewByteCountingReader wraps src. When maxAllowed >= 0 reads fail with
// ErrOversizeStream as soon as the running total exceeds it.
func NewByteCountingReader(src io.Reader, maxAllowed int64) *ByteCountingReader {
	return &ByteCountingReader{src: src, max: maxAllowed}
}

func (r *ByteCountingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.src.Read(p)
	r.n += int64(n)

	if r.max >= 0 && r.n > r.max {
		r.err = ErrOversizeStream
		return 0, r.err
	}
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}

// BytesRead returns how many bytes have been consumed so far. Meaningful for
// reconciliation once the stream has been fully drained or has failed.
func (r *ByteCountingReader) BytesRead() int64 {
	return r.n
}

// Err returns the terminal error observed on the stream, if any. io.EOF is
// not recorded; it is the normal end of a stream.
func (r *ByteCountingReader) Err() error {
	return r.err
}

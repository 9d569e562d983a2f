package storage

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteCountingReader(t *testing.T) {
	t.Run("counts all bytes without a ceiling", func(t *testing.T) {
		r := NewByteCountingReader(strings.NewReader("hello world"), -1)

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))
		assert.Equal(t, int64(11), r.BytesRead())
		assert.NoError(t, r.Err())
	})

	t.Run("allows a stream exactly at the ceiling", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 1024)
		r := NewByteCountingReader(bytes.NewReader(payload), 1024)

		data, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Len(t, data, 1024)
		assert.Equal(t, int64(1024), r.BytesRead())
	})

	t.Run("fails the stream once the ceiling is exceeded", func(t *testing.T) {
		payload := bytes.Repeat([]byte("a"), 4096)
		r := NewByteCountingReader(bytes.NewReader(payload), 100)

		_, err := io.ReadAll(r)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrOversizeStream)
		assert.ErrorIs(t, r.Err(), ErrOversizeStream)

		// Subsequent reads keep failing with the same error.
		n, err := r.Read(make([]byte, 8))
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrOversizeStream)
	})

	t.Run("records underlying read errors", func(t *testing.T) {
		boom := errors.New("connection reset")
		r := NewByteCountingReader(io.MultiReader(strings.NewReader("abc"), &failingReader{err: boom}), -1)

		_, err := io.ReadAll(r)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.ErrorIs(t, r.Err(), boom)
		assert.Equal(t, int64(3), r.BytesRead())
	})
}

type failingReader struct {
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	return 0, f.err
}

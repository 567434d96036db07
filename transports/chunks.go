package transports

import (
	"errors"
	"io"
	"iter"
	"sync/atomic"
)

// ErrConsumed is yielded when a chunk sequence is ranged over a second time.
var ErrConsumed = errors.New("chunk sequence already consumed")

const defaultChunkSize = 4096

// Chunks reads r lazily, yielding each read as its own chunk until EOF. A read
// error is yielded once and ends the sequence. The sequence can be ranged over
// only once.
func Chunks(r io.Reader, size int) iter.Seq2[[]byte, error] {
	if size <= 0 {
		size = defaultChunkSize
	}
	var used atomic.Bool
	return func(yield func([]byte, error) bool) {
		if used.Swap(true) {
			yield(nil, ErrConsumed)
			return
		}
		buf := make([]byte, size)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if !yield(chunk, nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

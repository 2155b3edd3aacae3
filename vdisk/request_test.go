package vdisk

import (
	"bytes"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSplitVector(t *testing.T) {
	a := make([]byte, 6)
	b := make([]byte, 5)

	t.Run("fits", func(t *testing.T) {
		segs := splitVector([][]byte{a, b}, 100, 16)
		require.Len(t, segs, 1)
		assert.Equal(t, int64(100), segs[0].offset)
		assert.Equal(t, 11, vectorLen(segs[0].iov))
	})

	t.Run("cuts across buffers", func(t *testing.T) {
		segs := splitVector([][]byte{a, b}, 100, 4)
		require.Len(t, segs, 3)
		assert.Equal(t, []int64{100, 104, 108}, []int64{segs[0].offset, segs[1].offset, segs[2].offset})
		assert.Equal(t, 4, vectorLen(segs[0].iov))
		assert.Equal(t, 4, vectorLen(segs[1].iov))
		assert.Len(t, segs[1].iov, 2)
		assert.Equal(t, 3, vectorLen(segs[2].iov))
	})

	t.Run("exact multiple", func(t *testing.T) {
		segs := splitVector([][]byte{make([]byte, 8)}, 0, 4)
		require.Len(t, segs, 2)
	})
}

func TestSplitVectorCoversInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "buffers")
		var iov [][]byte
		var flat []byte
		for i := 0; i < n; i++ {
			b := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "buffer")
			iov = append(iov, b)
			flat = append(flat, b...)
		}
		max := rapid.IntRange(1, 32).Draw(t, "max")
		offset := int64(rapid.IntRange(0, 1<<20).Draw(t, "offset"))

		var got []byte
		next := offset
		for _, s := range splitVector(iov, offset, max) {
			l := vectorLen(s.iov)
			if l == 0 || l > max {
				t.Fatalf("segment of %d bytes with max %d", l, max)
			}
			if s.offset != next {
				t.Fatalf("segment at %d, want %d", s.offset, next)
			}
			next += int64(l)
			for _, b := range s.iov {
				got = append(got, b...)
			}
		}
		if !bytes.Equal(flat, got) {
			t.Fatalf("segments do not reassemble the vector")
		}
	})
}

func TestSegmentsDoneFirstErrorWins(t *testing.T) {
	r := &Request{}
	r.addSegments(3)
	first := errors.New("first")

	assert.Equal(t, 2, r.segmentsDone(1, first))
	assert.Equal(t, 1, r.segmentsDone(1, errors.New("second")))
	assert.Equal(t, 0, r.segmentsDone(1, nil))
	assert.Equal(t, first, r.err())

	r.resetResult()
	assert.NoError(t, r.err())
}

func TestSegmentsDoneNegativePanics(t *testing.T) {
	r := &Request{}
	r.addSegments(1)
	r.segmentsDone(1, nil)
	assert.Panics(t, func() { r.segmentsDone(1, nil) })
}

// Segments of one request completing in any order on any goroutine reach
// zero exactly once.
func TestSegmentsReachZeroOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 64).Draw(t, "segments")
		failAt := rapid.IntRange(-1, n-1).Draw(t, "failAt")

		r := &Request{}
		r.addSegments(n)

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			zeros int
		)
		for i := 0; i < n; i++ {
			var err error
			if i == failAt {
				err = errors.New("media error")
			}
			wg.Add(1)
			go func(err error) {
				defer wg.Done()
				if r.segmentsDone(1, err) == 0 {
					mu.Lock()
					zeros++
					mu.Unlock()
				}
			}(err)
		}
		wg.Wait()

		if zeros != 1 {
			t.Fatalf("counter reached zero %d times", zeros)
		}
		if (failAt >= 0) != (r.err() != nil) {
			t.Fatalf("recorded error %v with failAt %d", r.err(), failAt)
		}
	})
}

func TestStagingForMisalignedRead(t *testing.T) {
	guest := [][]byte{make([]byte, 3), make([]byte, 5)}
	r := &Request{dir: Read, iov: guest, size: 8}

	vec := r.vector(512)
	require.Len(t, vec, 1)
	require.Len(t, vec[0], 8)
	copy(vec[0], "abcdefgh")

	r.copyBack()
	assert.Equal(t, []byte("abc"), guest[0])
	assert.Equal(t, []byte("defgh"), guest[1])

	// a replay reuses the same staging buffer
	assert.Same(t, &vec[0][0], &r.vector(512)[0][0])
}

func TestNoStagingWhenAligned(t *testing.T) {
	guest := [][]byte{make([]byte, 512), make([]byte, 1024)}

	r := &Request{dir: Read, iov: guest, size: 1536}
	assert.Equal(t, guest, r.vector(512))
	assert.Nil(t, r.staging)

	w := &Request{dir: Write, iov: [][]byte{make([]byte, 7)}, size: 7}
	assert.Nil(t, w.staging)
	assert.Len(t, w.vector(512), 1)
	assert.Nil(t, w.staging)
}

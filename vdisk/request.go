package vdisk

import (
	"fmt"
	"sync"
	"time"
)

// Direction of a guest request.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// Callback is invoked exactly once per accepted request, on the disk's
// completion loop. err is nil or ErrIO.
type Callback func(err error)

// Request is the completion block for one guest I/O. It is handed back by
// Submit as the pending-operation handle.
type Request struct {
	id        uint64
	dev       *Device
	dir       Direction
	offset    int64
	iov       [][]byte
	size      int
	done      Callback
	submitted time.Time

	// queued is guarded by the device lock and set while the request sits
	// in the retry queue.
	queued bool

	// staging replaces iov for reads the transport cannot take directly.
	staging []byte

	mu       sync.Mutex
	segments int
	result   error
}

func (r *Request) ID() uint64           { return r.id }
func (r *Request) Offset() int64        { return r.offset }
func (r *Request) Len() int             { return r.size }
func (r *Request) Direction() Direction { return r.dir }

func (r *Request) String() string {
	return fmt.Sprintf("%s#%d[%d+%d]", r.dir, r.id, r.offset, r.size)
}

func (r *Request) addSegments(n int) {
	r.mu.Lock()
	r.segments += n
	r.mu.Unlock()
}

// segmentsDone retires n segments, records err if it is the first error seen
// and returns how many segments remain.
func (r *Request) segmentsDone(n int, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil && r.result == nil {
		r.result = err
	}
	r.segments -= n
	if r.segments < 0 {
		panic(fmt.Sprintf("vdisk: segment counter of %s went negative", r))
	}
	return r.segments
}

func (r *Request) pendingSegments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.segments
}

func (r *Request) recordErr(err error) {
	r.segmentsDone(0, err)
}

func (r *Request) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// resetResult forgets the outcome of a previous attempt before replay.
func (r *Request) resetResult() {
	r.mu.Lock()
	r.result = nil
	r.mu.Unlock()
}

// vector returns what is handed to the transport.
func (r *Request) vector(sectorSize int) [][]byte {
	if r.staging == nil && r.dir == Read && !aligned(r.iov, sectorSize) {
		r.staging = make([]byte, r.size)
	}
	if r.staging != nil {
		return [][]byte{r.staging}
	}
	return r.iov
}

// copyBack moves staged read data into the guest vector.
func (r *Request) copyBack() {
	if r.staging == nil {
		return
	}
	src := r.staging
	for _, b := range r.iov {
		n := copy(b, src)
		src = src[n:]
	}
}

func (r *Request) release() {
	r.staging = nil
	r.iov = nil
	r.done = nil
}

func aligned(iov [][]byte, sector int) bool {
	for _, b := range iov {
		if len(b)%sector != 0 {
			return false
		}
	}
	return true
}

func vectorLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

type segment struct {
	offset int64
	iov    [][]byte
}

// splitVector cuts iov into transport calls of at most max bytes each.
func splitVector(iov [][]byte, offset int64, max int) []segment {
	var (
		segs   []segment
		cur    [][]byte
		curLen int
	)
	off := offset
	for _, b := range iov {
		for len(b) > 0 {
			n := max - curLen
			if n > len(b) {
				n = len(b)
			}
			cur = append(cur, b[:n])
			curLen += n
			b = b[n:]
			if curLen == max {
				segs = append(segs, segment{offset: off, iov: cur})
				off += int64(curLen)
				cur, curLen = nil, 0
			}
		}
	}
	if curLen > 0 {
		segs = append(segs, segment{offset: off, iov: cur})
	}
	return segs
}

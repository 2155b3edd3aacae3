package vdisk

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// bridge carries finished requests from whatever goroutine the transport
// completes on to the disk's completion loop. Only the loop touches guest
// buffers and callbacks.
type bridge struct {
	log *logrus.Entry

	mu     sync.RWMutex
	closed bool
	tokens chan *Request
}

// newBridge sizes the channel to the queue depth so that every live request
// always has a free slot for its token.
func newBridge(depth int, log *logrus.Entry) *bridge {
	return &bridge{
		log:    log,
		tokens: make(chan *Request, depth),
	}
}

// post hands r to the completion loop. A token that cannot be written means a
// completion would be lost, so the process is terminated.
func (b *bridge) post(r *Request) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.WithField("request", r.String()).Fatal("completion bridge: token written after close")
		return
	}
	select {
	case b.tokens <- r:
	default:
		b.log.WithField("request", r.String()).Fatalf("completion bridge: token channel full (%d)", cap(b.tokens))
	}
}

func (b *bridge) recv() <-chan *Request {
	return b.tokens
}

func (b *bridge) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.tokens)
	}
}

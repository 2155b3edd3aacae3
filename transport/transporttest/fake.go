// Package transporttest provides an in-memory transport.Adapter with fault
// injection for exercising virtual disks without storage agents.
//
// All hosts share one store, as replicas of the same disk would. By default
// every accepted operation completes on its own goroutine; in manual mode
// reads and writes stay pending until Complete or HangUp is called.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/srilakshmi/vdisk/transport"
)

// DefaultSize is the length of every device unless SetSize is called.
const DefaultSize = 1 << 20

// Op is an accepted read or write that has not completed yet.
type Op struct {
	Addr   string
	Path   string
	Op     transport.Opcode
	Offset int64
	Len    int
	Tag    interface{}

	dev *Device
	iov [][]byte
}

func (o *Op) String() string {
	return fmt.Sprintf("%s %s %d+%d", o.Op, o.Addr, o.Offset, o.Len)
}

type submitFault struct {
	skip, count int
	err         error
}

type host struct {
	dialFails int
	openErr   error
	submit    *submitFault
	probes    []error
	statErr   error
	flushErr  error
	channels  []*Channel
}

// Adapter is a fake transport.
type Adapter struct {
	cb     transport.Callback
	manual bool

	mu      sync.Mutex
	size    int64
	store   map[string][]byte
	hosts   map[string]*host
	pending []*Op
	events  []string
	wg      sync.WaitGroup
}

// Option configures an Adapter.
type Option func(*Adapter)

// Manual keeps reads and writes pending until the test completes them.
func Manual() Option {
	return func(a *Adapter) { a.manual = true }
}

// New returns an adapter reporting completions to cb.
func New(cb transport.Callback, opts ...Option) *Adapter {
	a := &Adapter{
		cb:    cb,
		size:  DefaultSize,
		store: make(map[string][]byte),
		hosts: make(map[string]*host),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) hostLocked(addr string) *host {
	h, ok := a.hosts[addr]
	if !ok {
		h = &host{}
		a.hosts[addr] = h
	}
	return h
}

func (a *Adapter) eventLocked(format string, args ...interface{}) {
	a.events = append(a.events, fmt.Sprintf(format, args...))
}

// Events returns what the adapter was asked to do, in order: "dial addr",
// "open addr", "probe addr", "read addr", "write addr", "stat addr",
// "flush addr", "close addr" and "hangup addr".
func (a *Adapter) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

// ResetEvents clears the event log.
func (a *Adapter) ResetEvents() {
	a.mu.Lock()
	a.events = nil
	a.mu.Unlock()
}

// FailDial makes the next n connects to addr fail. A negative n fails them
// all.
func (a *Adapter) FailDial(addr string, n int) {
	a.mu.Lock()
	a.hostLocked(addr).dialFails = n
	a.mu.Unlock()
}

// SetOpenErr makes device opens on addr fail with err.
func (a *Adapter) SetOpenErr(addr string, err error) {
	a.mu.Lock()
	a.hostLocked(addr).openErr = err
	a.mu.Unlock()
}

// FailSubmits makes reads and writes on addr be refused synchronously with
// err, after skip more have been accepted, count times. A negative count
// refuses all of them.
func (a *Adapter) FailSubmits(addr string, skip, count int, err error) {
	a.mu.Lock()
	a.hostLocked(addr).submit = &submitFault{skip: skip, count: count, err: err}
	a.mu.Unlock()
}

// QueueProbeResults sets the answers of the next failover-ready probes on
// addr. Probes beyond the queued answers report ready.
func (a *Adapter) QueueProbeResults(addr string, errs ...error) {
	a.mu.Lock()
	h := a.hostLocked(addr)
	h.probes = append(h.probes, errs...)
	a.mu.Unlock()
}

// SetStatErr makes stat ioctls on addr fail.
func (a *Adapter) SetStatErr(addr string, err error) {
	a.mu.Lock()
	a.hostLocked(addr).statErr = err
	a.mu.Unlock()
}

// SetFlushErr makes flush ioctls on addr fail.
func (a *Adapter) SetFlushErr(addr string, err error) {
	a.mu.Lock()
	a.hostLocked(addr).flushErr = err
	a.mu.Unlock()
}

// SetSize sets the length of devices first touched after the call.
func (a *Adapter) SetSize(n int64) {
	a.mu.Lock()
	a.size = n
	a.mu.Unlock()
}

// Data returns a copy of length bytes of path starting at offset.
func (a *Adapter) Data(path string, offset int64, length int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, length)
	copy(out, a.bufLocked(path)[offset:])
	return out
}

func (a *Adapter) bufLocked(path string) []byte {
	b, ok := a.store[path]
	if !ok {
		b = make([]byte, a.size)
		a.store[path] = b
	}
	return b
}

// Pending returns the operations waiting for Complete or HangUp.
func (a *Adapter) Pending() []*Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Op(nil), a.pending...)
}

// Complete finishes op with err. A nil err moves the data.
func (a *Adapter) Complete(op *Op, err error) {
	a.mu.Lock()
	if !a.removePendingLocked(op) {
		a.mu.Unlock()
		panic(fmt.Sprintf("transporttest: %s is not pending", op))
	}
	a.mu.Unlock()
	a.finish(op, err)
}

func (a *Adapter) removePendingLocked(op *Op) bool {
	for i, p := range a.pending {
		if p == op {
			a.pending = append(a.pending[:i], a.pending[i+1:]...)
			return true
		}
	}
	return false
}

// HangUp drops every channel to addr. Pending operations on it complete with
// transport.ErrChannelHup and a spontaneous hang-up is reported.
func (a *Adapter) HangUp(addr string) {
	a.mu.Lock()
	a.eventLocked("hangup %s", addr)
	h := a.hostLocked(addr)
	for _, ch := range h.channels {
		ch.closed = true
	}
	var dropped []*Op
	kept := a.pending[:0]
	for _, op := range a.pending {
		if op.Addr == addr {
			dropped = append(dropped, op)
		} else {
			kept = append(kept, op)
		}
	}
	a.pending = kept
	a.mu.Unlock()

	for _, op := range dropped {
		a.cb(transport.Completion{Device: op.dev, Reason: transport.ReasonDone, Op: op.Op, Tag: op.Tag, Err: transport.ErrChannelHup})
	}
	a.cb(transport.Completion{Reason: transport.ReasonHup, Err: transport.ErrChannelHup})
}

// Wait blocks until every asynchronous completion has been delivered.
func (a *Adapter) Wait() {
	a.wg.Wait()
}

func (a *Adapter) finish(op *Op, err error) {
	if err == nil {
		a.mu.Lock()
		buf := a.bufLocked(op.Path)
		off := op.Offset
		for _, b := range op.iov {
			if op.Op == transport.OpWrite {
				copy(buf[off:], b)
			} else {
				copy(b, buf[off:])
			}
			off += int64(len(b))
		}
		a.mu.Unlock()
	}
	a.cb(transport.Completion{Device: op.dev, Reason: transport.ReasonDone, Op: op.Op, Tag: op.Tag, Err: err})
}

func (a *Adapter) async(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Dial connects to addr.
func (a *Adapter) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventLocked("dial %s", addr)
	h := a.hostLocked(addr)
	if h.dialFails != 0 {
		if h.dialFails > 0 {
			h.dialFails--
		}
		return nil, errors.Errorf("dial %s: connection refused", addr)
	}
	ch := &Channel{a: a, addr: addr}
	h.channels = append(h.channels, ch)
	return ch, nil
}

// Channel is a fake connection.
type Channel struct {
	a      *Adapter
	addr   string
	closed bool
}

// OpenDevice opens path.
func (c *Channel) OpenDevice(ctx context.Context, path string) (transport.Device, error) {
	a := c.a
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventLocked("open %s", c.addr)
	if c.closed {
		return nil, transport.ErrChannelHup
	}
	if err := a.hostLocked(c.addr).openErr; err != nil {
		return nil, err
	}
	return &Device{ch: c, path: path}, nil
}

func (c *Channel) Close() error {
	c.a.mu.Lock()
	defer c.a.mu.Unlock()
	c.a.eventLocked("close %s", c.addr)
	c.closed = true
	return nil
}

// Device is a fake remote device.
type Device struct {
	ch     *Channel
	path   string
	closed bool
}

func (d *Device) ReadV(iov [][]byte, offset int64, tag interface{}) error {
	return d.submit(transport.OpRead, iov, offset, tag)
}

func (d *Device) WriteV(iov [][]byte, offset int64, tag interface{}) error {
	return d.submit(transport.OpWrite, iov, offset, tag)
}

func (d *Device) submit(op transport.Opcode, iov [][]byte, offset int64, tag interface{}) error {
	a, addr := d.ch.a, d.ch.addr
	a.mu.Lock()
	a.eventLocked("%s %s", op, addr)
	if d.closed || d.ch.closed {
		a.mu.Unlock()
		return transport.ErrChannelHup
	}
	if f := a.hostLocked(addr).submit; f != nil {
		if f.skip > 0 {
			f.skip--
		} else if f.count != 0 {
			if f.count > 0 {
				f.count--
			}
			a.mu.Unlock()
			return f.err
		}
	}
	length := 0
	for _, b := range iov {
		length += len(b)
	}
	if offset+int64(length) > int64(len(a.bufLocked(d.path))) {
		a.mu.Unlock()
		return errors.Errorf("%s %d+%d beyond end of device", op, offset, length)
	}
	o := &Op{Addr: addr, Path: d.path, Op: op, Offset: offset, Len: length, Tag: tag, dev: d, iov: iov}
	if a.manual {
		a.pending = append(a.pending, o)
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	a.async(func() { a.finish(o, nil) })
	return nil
}

func (d *Device) Ioctl(op transport.Opcode, tag interface{}, flags transport.Flags) (int64, error) {
	a, addr := d.ch.a, d.ch.addr
	a.mu.Lock()
	defer a.mu.Unlock()
	if d.closed || d.ch.closed {
		return 0, transport.ErrChannelHup
	}
	h := a.hostLocked(addr)
	switch op {
	case transport.OpStat:
		a.eventLocked("stat %s", addr)
		if h.statErr != nil {
			return 0, h.statErr
		}
		return int64(len(a.bufLocked(d.path))), nil
	case transport.OpFlush:
		a.eventLocked("flush %s", addr)
		return 0, h.flushErr
	case transport.OpFailoverReady:
		a.eventLocked("probe %s", addr)
		var err error
		if len(h.probes) > 0 {
			err, h.probes = h.probes[0], h.probes[1:]
		}
		if flags&transport.FlagAsync == 0 {
			return 0, err
		}
		a.async(func() {
			a.cb(transport.Completion{Device: d, Reason: transport.ReasonDone, Op: op, Tag: tag, Err: err})
		})
		return 0, nil
	default:
		return 0, transport.ErrNotSupported
	}
}

func (d *Device) Close() error {
	d.ch.a.mu.Lock()
	d.closed = true
	d.ch.a.mu.Unlock()
	return nil
}

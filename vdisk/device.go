// Package vdisk is the client side of a virtual disk served by redundant
// remote storage agents. It keeps guest I/O correct across agent crashes and
// channel drops: failed submissions are parked in a retry queue, the active
// agent is switched by a failover controller, and the parked requests are
// replayed once a new agent reports it is ready.
//
// Completions reported by the transport, on goroutines the disk does not
// own, are passed through a completion bridge to a single completion loop
// per disk; guest callbacks only ever run there.
package vdisk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/vdisk/transport"
)

type health int

const (
	healthActive health = iota
	healthFailed
)

func (h health) String() string {
	if h == healthFailed {
		return "failed"
	}
	return "active"
}

// Device is the per-virtual-disk state.
type Device struct {
	cfg     Config
	adapter transport.Adapter
	log     *logrus.Entry
	clock   clock.Clock
	metrics *Metrics
	bridge  *bridge

	// ctx is cancelled by Close to stop the failover controller.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	health          health
	inFailover      bool
	failoverRunning bool
	closed          bool
	outstanding     int
	hosts           []*hostEntry
	cur             int
	retryq          retryQueue

	sizeMu sync.Mutex
	size   int64

	nextID    atomic.Uint64
	live      atomic.Int64
	closing   atomic.Bool
	drained   chan struct{}
	drainOnce sync.Once

	detachOnce sync.Once

	// wake cuts the failover backoff short.
	wake     chan struct{}
	workers  sync.WaitGroup
	loopDone chan struct{}
}

// Open attaches the disk described by cfg. The first host of the redundancy
// list must accept the connection and device open.
func Open(ctx context.Context, adapter transport.Adapter, cfg Config) (*Device, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger.WithField("disk", cfg.DiskID)
	d := &Device{
		cfg:      cfg,
		adapter:  adapter,
		log:      log,
		clock:    cfg.Clock,
		metrics:  newMetrics(cfg.DiskID),
		bridge:   newBridge(cfg.QueueDepth, log),
		hosts:    newHostTable(cfg.Hosts),
		drained:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
		loopDone: make(chan struct{}),
	}

	openCtx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	ch, dev, err := openHost(openCtx, adapter, d.hosts[0].addr, cfg.Path())
	cancel()
	if err != nil {
		return nil, err
	}
	d.hosts[0].channel, d.hosts[0].device = ch, dev

	if cfg.Registerer != nil {
		if err := d.metrics.register(cfg.Registerer); err != nil {
			closeHandles(log, ch, dev)
			return nil, errors.Wrap(err, "register metrics")
		}
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	go d.loop()

	log.WithField("hosts", len(d.hosts)).WithField("host", d.hosts[0].addr).Info("virtual disk attached")
	return d, nil
}

// ID returns the disk id.
func (d *Device) ID() string {
	return d.cfg.DiskID
}

// loop is the completion loop: it drains the bridge and completes requests.
func (d *Device) loop() {
	defer close(d.loopDone)
	for r := range d.bridge.recv() {
		d.deliver(r)
	}
}

func (d *Device) deliver(r *Request) {
	err := r.err()
	if err == nil {
		r.copyBack()
	}
	result := "ok"
	if err != nil {
		result = "error"
		d.log.WithError(err).WithField("request", r.String()).Debug("request failed")
	}
	d.metrics.Completions.WithLabelValues(r.dir.String(), result).Inc()

	cb := r.done
	if cb != nil {
		cb(guestError(err))
	}
	r.release()

	if d.live.Add(-1) == 0 && d.closing.Load() {
		d.signalDrained()
	}
}

func (d *Device) signalDrained() {
	d.drainOnce.Do(func() { close(d.drained) })
}

// fail completes r with err as soon as no segment of it is in flight.
func (d *Device) fail(r *Request, err error) {
	if r.segmentsDone(0, err) == 0 {
		d.bridge.post(r)
	}
}

// syncGaugesLocked publishes the counters guarded by d.mu.
func (d *Device) syncGaugesLocked() {
	d.metrics.Outstanding.Set(float64(d.outstanding))
	d.metrics.RetryQueueDepth.Set(float64(d.retryq.len()))
	d.metrics.CurrentHost.Set(float64(d.cur))
}

// Length returns the disk size in bytes, asking the agent once and caching
// the answer.
func (d *Device) Length() (int64, error) {
	d.sizeMu.Lock()
	defer d.sizeMu.Unlock()
	if d.size > 0 {
		return d.size, nil
	}

	d.mu.Lock()
	dev := d.hosts[d.cur].device
	d.mu.Unlock()
	if dev == nil {
		return 0, ErrIO
	}

	size, err := dev.Ioctl(transport.OpStat, nil, transport.FlagSync)
	if err != nil {
		d.log.WithError(err).Warn("stat failed")
		return 0, ErrIO
	}
	if size <= 0 {
		return 0, ErrIO
	}
	d.size = size
	return size, nil
}

// AllocatedSize reports the space the agent has allocated for the disk. The
// agent does not track allocation separately, so this is the full length.
func (d *Device) AllocatedSize() (int64, error) {
	return d.Length()
}

// Flush asks the agent to flush. Acknowledged writes are already durable, so
// a failed flush is logged and reported as success.
func (d *Device) Flush() error {
	d.mu.Lock()
	dev := d.hosts[d.cur].device
	d.mu.Unlock()
	if dev == nil {
		return nil
	}
	if _, err := dev.Ioctl(transport.OpFlush, nil, transport.FlagSync); err != nil {
		d.log.WithError(err).Warn("flush failed, ignoring")
	}
	return nil
}

// Discard is accepted and ignored; the agents do not reclaim space.
func (d *Device) Discard(offset int64, length int) error {
	return nil
}

// HasZeroInit reports whether a fresh disk reads back zeroes. It does not.
func (d *Device) HasZeroInit() bool {
	return false
}

// Status is a point-in-time view of the disk.
type Status struct {
	ID          string       `json:"id"`
	Health      string       `json:"health"`
	InFailover  bool         `json:"in_failover"`
	Failover    bool         `json:"failover_running"`
	Outstanding int          `json:"outstanding"`
	Queued      int          `json:"queued"`
	Live        int64        `json:"live"`
	CurrentHost int          `json:"current_host"`
	Size        int64        `json:"size"`
	Hosts       []HostStatus `json:"hosts"`
}

func (d *Device) Status() Status {
	d.sizeMu.Lock()
	size := d.size
	d.sizeMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{
		ID:          d.cfg.DiskID,
		Health:      d.health.String(),
		InFailover:  d.inFailover,
		Failover:    d.failoverRunning,
		Outstanding: d.outstanding,
		Queued:      d.retryq.len(),
		Live:        d.live.Load(),
		CurrentHost: d.cur,
		Size:        size,
	}
	for i, h := range d.hosts {
		st.Hosts = append(st.Hosts, HostStatus{
			Addr:      h.addr,
			Connected: h.device != nil,
			Current:   i == d.cur,
		})
	}
	return st
}

// MarkFailed moves the disk to FAILED: new requests are rejected and queued
// ones fail when the retry queue is next drained.
func (d *Device) MarkFailed() {
	d.mu.Lock()
	d.health = healthFailed
	d.inFailover = false
	d.mu.Unlock()
	d.log.Warn("virtual disk marked failed")
	d.Kick()
}

// Close detaches the disk. Queued requests are failed, in-flight requests
// are waited for until ctx expires, then every host handle is closed. A Close
// that timed out can be called again.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	first := !d.closed
	d.closed = true
	d.health = healthFailed
	d.mu.Unlock()

	if first {
		d.closing.Store(true)
		d.cancel()
		d.workers.Wait()

		d.mu.Lock()
		queued := d.retryq.takeAll()
		d.syncGaugesLocked()
		d.mu.Unlock()
		for _, r := range queued {
			d.fail(r, ErrDiskFailed)
		}
		if d.live.Load() == 0 {
			d.signalDrained()
		}
	}

	select {
	case <-d.drained:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "detach: %d requests did not drain", d.live.Load())
	}

	d.detachOnce.Do(func() {
		type handles struct {
			ch  transport.Channel
			dev transport.Device
		}
		d.mu.Lock()
		taken := make([]handles, 0, len(d.hosts))
		for _, h := range d.hosts {
			ch, dev := h.take()
			taken = append(taken, handles{ch, dev})
		}
		d.mu.Unlock()
		for _, h := range taken {
			closeHandles(d.log, h.ch, h.dev)
		}

		d.bridge.close()
		<-d.loopDone

		if d.cfg.Registerer != nil {
			d.metrics.unregister(d.cfg.Registerer)
		}
		d.log.Info("virtual disk detached")
	})
	return nil
}

// WriteAt submits a write and waits for it.
func (d *Device) WriteAt(ctx context.Context, iov [][]byte, offset int64) error {
	return d.wait(ctx, Write, iov, offset)
}

// ReadAt submits a read and waits for it.
func (d *Device) ReadAt(ctx context.Context, iov [][]byte, offset int64) error {
	return d.wait(ctx, Read, iov, offset)
}

func (d *Device) wait(ctx context.Context, dir Direction, iov [][]byte, offset int64) error {
	done := make(chan error, 1)
	if _, err := d.Submit(dir, offset, iov, func(err error) { done <- err }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) since(t time.Time) time.Duration {
	return d.clock.Since(t)
}

package vdisk

import (
	"github.com/pkg/errors"

	"github.com/srilakshmi/vdisk/transport"
)

// Submit starts a guest read or write of the bytes described by iov at
// offset and returns its handle without waiting on the network. done runs
// exactly once, on the completion loop, unless Submit returns an error.
func (d *Device) Submit(dir Direction, offset int64, iov [][]byte, done Callback) (*Request, error) {
	size := vectorLen(iov)
	if size == 0 || offset < 0 {
		return nil, errors.Wrapf(ErrInvalidRequest, "%s of %d bytes at %d", dir, size, offset)
	}

	r := &Request{
		id:     d.nextID.Add(1),
		dev:    d,
		dir:    dir,
		offset: offset,
		iov:    iov,
		size:   size,
		done:   done,
	}

	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return nil, ErrClosed
	case d.health == healthFailed:
		d.mu.Unlock()
		return nil, errors.Wrap(ErrIO, ErrDiskFailed.Error())
	case d.live.Load() >= int64(d.cfg.QueueDepth):
		d.mu.Unlock()
		return nil, ErrQueueFull
	}
	d.live.Add(1)
	r.submitted = d.clock.Now()

	if d.inFailover {
		if d.retryq.pushBack(r) {
			d.metrics.Requeued.Inc()
		}
		d.syncGaugesLocked()
		d.mu.Unlock()
		d.log.WithField("request", r.String()).Debug("failover in progress, request queued")
		return r, nil
	}
	d.outstanding++
	dev := d.hosts[d.cur].device
	d.syncGaugesLocked()
	d.mu.Unlock()

	if unsent, err := d.issue(r, dev); err != nil {
		d.submitFailed(r, unsent, err)
	}
	return r, nil
}

// issue ships every segment of r to dev. On a synchronous failure it
// reports how many segments were never accepted; those are still counted on
// r and the caller has to retire them.
func (d *Device) issue(r *Request, dev transport.Device) (int, error) {
	segs := splitVector(r.vector(d.cfg.SectorSize), r.offset, d.cfg.MaxSegmentSize)
	r.addSegments(len(segs))
	if dev == nil {
		return len(segs), errors.Wrap(transport.ErrChannelHup, "no open device")
	}
	for i, s := range segs {
		var err error
		if r.dir == Write {
			err = dev.WriteV(s.iov, s.offset, r)
		} else {
			err = dev.ReadV(s.iov, s.offset, r)
		}
		if err != nil {
			return len(segs) - i, errors.Wrapf(err, "%s segment %d/%d", r, i+1, len(segs))
		}
	}
	return 0, nil
}

// submitFailed handles a request whose direct submission was refused by the
// transport. Without a host to fail over to, or on a FAILED disk, the request
// fails. Otherwise it is queued and failover starts once nothing is
// outstanding.
func (d *Device) submitFailed(r *Request, unsent int, err error) {
	d.log.WithError(err).WithField("request", r.String()).Warn("submission failed")

	d.mu.Lock()
	d.requeueOrFailLocked(r, err, false)
	post, start := d.retireLocked(r, unsent)
	d.mu.Unlock()

	d.finish(r, post, start)
}

// requeueOrFailLocked puts r on the retry queue and enters failover, or
// records err on r when there is nowhere to fail over to.
func (d *Device) requeueOrFailLocked(r *Request, err error, front bool) {
	if len(d.hosts) == 1 || d.health == healthFailed {
		r.recordErr(err)
		return
	}
	if !d.inFailover {
		d.inFailover = true
		d.metrics.Failovers.Inc()
		d.log.WithError(err).WithField("host", d.hosts[d.cur].addr).Warn("entering failover")
	}
	var ok bool
	if front {
		ok = d.retryq.pushFront(r)
	} else {
		ok = d.retryq.pushBack(r)
	}
	if ok {
		d.metrics.Requeued.Inc()
	}
}

// retireLocked drops n segments of r. When r has drained it is no longer
// outstanding; it goes to the guest unless it is parked on the retry queue.
func (d *Device) retireLocked(r *Request, n int) (post, start bool) {
	if r.segmentsDone(n, nil) == 0 {
		d.outstanding--
		post = !r.queued
		start = d.shouldStartFailoverLocked()
	}
	d.syncGaugesLocked()
	return post, start
}

func (d *Device) finish(r *Request, post, start bool) {
	if post {
		d.bridge.post(r)
	}
	if start {
		go d.runFailover(true)
	}
}

// HandleCompletion is the transport callback. Every adapter serving virtual
// disks is created with it.
func HandleCompletion(c transport.Completion) {
	switch tag := c.Tag.(type) {
	case *Request:
		tag.dev.segmentCompleted(tag, c)
	case *probe:
		tag.deliver(c.Err)
	}
	// Untagged hang-ups are reported again by the requests they affect.
}

// segmentCompleted retires one segment of r.
func (d *Device) segmentCompleted(r *Request, c transport.Completion) {
	if !transport.IsChannelFailure(c.Err) {
		if r.segmentsDone(1, c.Err) == 0 {
			d.mu.Lock()
			post, start := d.retireLocked(r, 0)
			d.mu.Unlock()
			d.finish(r, post, start)
		}
		return
	}

	d.mu.Lock()
	d.requeueOrFailLocked(r, c.Err, false)
	post, start := d.retireLocked(r, 1)
	d.mu.Unlock()
	d.finish(r, post, start)
}

// shouldStartFailoverLocked claims the controller when a failover is pending
// and I/O has drained.
func (d *Device) shouldStartFailoverLocked() bool {
	if !d.inFailover || d.outstanding != 0 || d.failoverRunning || d.closed {
		return false
	}
	d.failoverRunning = true
	d.workers.Add(1)
	return true
}

package vdisk

import (
	"context"

	"github.com/pkg/errors"

	"github.com/srilakshmi/vdisk/transport"
)

// probe is the tag of a failover-ready ioctl. Its reply goes to the
// controller waiting on result, never to a guest.
type probe struct {
	host   string
	result chan error
}

func newProbe(host string) *probe {
	return &probe{host: host, result: make(chan error, 1)}
}

func (p *probe) deliver(err error) {
	select {
	case p.result <- err:
	default:
	}
}

// runFailover is the controller goroutine. The caller has set
// failoverRunning and added to d.workers. With probeHosts unset it only
// resumes the retry-queue drain.
func (d *Device) runFailover(probeHosts bool) {
	defer d.workers.Done()
	for {
		if probeHosts {
			d.failover()
		}
		if d.ctx.Err() == nil && d.drainRetryQueue() {
			// the host answered the probe but refused a replay
			d.log.WithField("backoff", d.cfg.RetryInterval).Warn("replay refused, retrying")
			d.backoff()
		}

		d.mu.Lock()
		again := d.inFailover && d.outstanding == 0
		// a disk marked FAILED during the backoff still has to fail its queue
		again = again || (d.health == healthFailed && d.retryq.len() > 0)
		if d.ctx.Err() == nil && !d.closed && again {
			probeHosts = d.inFailover
			d.mu.Unlock()
			continue
		}
		d.failoverRunning = false
		d.mu.Unlock()
		return
	}
}

// failover walks the redundancy list from the first entry until a host
// reopens and answers the failover-ready probe, the disk is marked FAILED,
// or the disk is closed.
func (d *Device) failover() {
	start := d.clock.Now()
	d.log.Info("failover started")

	for idx := 0; ; {
		if d.ctx.Err() != nil {
			return
		}
		d.mu.Lock()
		failed := d.health == healthFailed
		d.mu.Unlock()
		if failed {
			d.metrics.FailoverResults.WithLabelValues("failed").Inc()
			return
		}

		addr := d.hosts[idx].addr
		err := d.tryHost(idx)
		if err == nil {
			d.mu.Lock()
			d.cur = idx
			d.inFailover = false
			d.syncGaugesLocked()
			d.mu.Unlock()

			d.metrics.FailoverResults.WithLabelValues("ok").Inc()
			d.log.WithField("host", addr).WithField("took", d.since(start)).Info("failover complete")
			return
		}
		d.metrics.ProbeFailures.Inc()
		d.log.WithError(err).WithField("host", addr).Warn("host not ready for failover")

		idx++
		if idx < len(d.hosts) {
			continue
		}
		idx = 0

		if d.cfg.FailoverTimeout > 0 && d.since(start) >= d.cfg.FailoverTimeout {
			d.mu.Lock()
			d.health = healthFailed
			d.inFailover = false
			d.mu.Unlock()
			d.metrics.FailoverResults.WithLabelValues("timeout").Inc()
			d.log.WithField("took", d.since(start)).Error("no host became ready, virtual disk failed")
			return
		}

		d.log.WithField("backoff", d.cfg.RetryInterval).Info("no host ready, retrying")
		if !d.backoff() {
			return
		}
	}
}

// backoff waits RetryInterval on the disk clock or until Kick. It reports
// false when the disk is closing.
func (d *Device) backoff() bool {
	timer := d.clock.NewTimer(d.cfg.RetryInterval)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-d.wake:
		return true
	case <-d.ctx.Done():
		return false
	}
}

// tryHost reopens host idx and asks it whether it will take I/O.
func (d *Device) tryHost(idx int) error {
	d.mu.Lock()
	h := d.hosts[idx]
	ch, dev := h.take()
	d.mu.Unlock()
	closeHandles(d.log, ch, dev)

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.OpenTimeout)
	ch, dev, err := openHost(ctx, d.adapter, h.addr, d.cfg.Path())
	cancel()
	if err != nil {
		return err
	}

	d.mu.Lock()
	h.channel, h.device = ch, dev
	d.mu.Unlock()

	return d.probe(h.addr, dev)
}

func (d *Device) probe(addr string, dev transport.Device) error {
	p := newProbe(addr)
	if _, err := dev.Ioctl(transport.OpFailoverReady, p, transport.FlagAsync); err != nil {
		return errors.Wrap(err, "failover-ready probe")
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.ProbeTimeout)
	defer cancel()
	select {
	case err := <-p.result:
		return errors.Wrap(err, "failover-ready probe")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "failover-ready probe")
	}
}

// drainRetryQueue replays queued requests oldest first on the current host.
// It stops when failover is re-entered. A replay the transport refuses
// outright goes back to the head of the queue and ends the drain; the
// return value reports that case so the caller backs off before retrying.
func (d *Device) drainRetryQueue() (refused bool) {
	replayed := 0
	defer func() {
		if replayed > 0 {
			d.log.WithField("count", replayed).Info("retry queue drained")
		}
	}()

	for {
		d.mu.Lock()
		if d.inFailover || d.closed || d.retryq.len() == 0 {
			d.mu.Unlock()
			return
		}
		r := d.retryq.popFront()
		if d.health == healthFailed {
			d.syncGaugesLocked()
			d.mu.Unlock()
			d.fail(r, ErrDiskFailed)
			continue
		}
		d.outstanding++
		dev := d.hosts[d.cur].device
		d.syncGaugesLocked()
		d.mu.Unlock()

		r.resetResult()
		unsent, err := d.issue(r, dev)
		if err == nil {
			replayed++
			continue
		}

		d.log.WithError(err).WithField("request", r.String()).Warn("replay failed")
		d.mu.Lock()
		d.requeueOrFailLocked(r, err, true)
		requeued := r.queued
		post, start := d.retireLocked(r, unsent)
		d.mu.Unlock()
		d.finish(r, post, start)
		if requeued {
			return true
		}
	}
}

// Kick resumes a stalled retry-queue drain or cuts a failover backoff short.
func (d *Device) Kick() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.failoverRunning {
		d.mu.Unlock()
		select {
		case d.wake <- struct{}{}:
		default:
		}
		return
	}
	if d.retryq.len() == 0 && !d.inFailover {
		d.mu.Unlock()
		return
	}
	if d.inFailover && d.outstanding != 0 {
		// the last completion starts it
		d.mu.Unlock()
		return
	}
	probeHosts := d.inFailover
	d.failoverRunning = true
	d.workers.Add(1)
	d.mu.Unlock()

	go d.runFailover(probeHosts)
}

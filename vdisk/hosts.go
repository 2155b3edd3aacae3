package vdisk

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/vdisk/transport"
)

// hostEntry is one row of the host connection table. Only Open, Close and the
// failover controller change the handles, always under the device lock.
type hostEntry struct {
	cfg     HostConfig
	addr    string
	channel transport.Channel
	device  transport.Device
}

func newHostTable(cfgs []HostConfig) []*hostEntry {
	hosts := make([]*hostEntry, len(cfgs))
	for i, c := range cfgs {
		hosts[i] = &hostEntry{cfg: c, addr: c.Addr()}
	}
	return hosts
}

// take detaches the handles so they can be closed outside the lock.
func (h *hostEntry) take() (transport.Channel, transport.Device) {
	ch, dev := h.channel, h.device
	h.channel, h.device = nil, nil
	return ch, dev
}

// closeHandles closes the remote device before the channel it lives on.
func closeHandles(log logrus.FieldLogger, ch transport.Channel, dev transport.Device) {
	if dev != nil {
		if err := dev.Close(); err != nil {
			log.WithError(err).Debug("closing stale remote device")
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			log.WithError(err).Debug("closing stale channel")
		}
	}
}

// openHost connects to addr and opens path on it. A channel whose device
// open fails is closed again.
func openHost(ctx context.Context, adapter transport.Adapter, addr, path string) (transport.Channel, transport.Device, error) {
	ch, err := adapter.Dial(ctx, addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connect %s", addr)
	}
	dev, err := ch.OpenDevice(ctx, path)
	if err != nil {
		_ = ch.Close()
		return nil, nil, errors.Wrapf(err, "open %s on %s", path, addr)
	}
	return ch, dev, nil
}

// HostStatus describes one redundancy-list entry.
type HostStatus struct {
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
	Current   bool   `json:"current"`
}

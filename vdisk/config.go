package vdisk

import (
	"net"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	// MaxHosts bounds the redundancy list.
	MaxHosts = 4
	// DefaultPort is the storage agent's well-known port.
	DefaultPort = 9999

	// DevicePathPrefix is prepended to the disk id to name the remote device.
	DevicePathPrefix = "/dev/of/vdisk"

	DefaultQueueDepth     = 1024
	DefaultMaxSegmentSize = 4 << 20
	DefaultSectorSize     = 512
	DefaultRetryInterval  = 5 * time.Second
	DefaultProbeTimeout   = 30 * time.Second
	DefaultOpenTimeout    = 10 * time.Second
)

// HostConfig is one entry of the redundancy list.
type HostConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (h HostConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// Config is supplied at attach time.
type Config struct {
	DiskID string
	Hosts  []HostConfig

	// QueueDepth bounds the number of live requests per disk.
	QueueDepth int
	// MaxSegmentSize is the largest single transport call; bigger I/O is
	// split into segments.
	MaxSegmentSize int
	// SectorSize is the alignment a read vector needs to be handed to the
	// transport directly; otherwise a staging buffer is used.
	SectorSize int

	// RetryInterval is the backoff after every host in the list was tried.
	RetryInterval time.Duration
	// FailoverTimeout marks the disk FAILED when one failover runs longer.
	// Zero keeps cycling through the hosts until one becomes ready.
	FailoverTimeout time.Duration
	// ProbeTimeout bounds the wait for a failover-ready reply.
	ProbeTimeout time.Duration
	// OpenTimeout bounds connect plus device open on one host.
	OpenTimeout time.Duration

	Clock      clock.Clock
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
}

// Path is the remote device name for the disk.
func (c Config) Path() string {
	return DevicePathPrefix + c.DiskID
}

// setDefaults fills in zero fields. Hosts is copied first so the caller's
// list is left alone.
func (c *Config) setDefaults() {
	c.Hosts = append([]HostConfig(nil), c.Hosts...)
	for i := range c.Hosts {
		if c.Hosts[i].Port == 0 {
			c.Hosts[i].Port = DefaultPort
		}
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.MaxSegmentSize <= 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.SectorSize <= 0 {
		c.SectorSize = DefaultSectorSize
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.NewClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Validate checks the redundancy list and disk id.
func (c Config) Validate() error {
	if c.DiskID == "" {
		return errors.New("missing disk id")
	}
	if _, err := uuid.Parse(c.DiskID); err != nil {
		return errors.Wrapf(err, "invalid disk id %q", c.DiskID)
	}
	if len(c.Hosts) == 0 {
		return errors.New("missing server list")
	}
	if len(c.Hosts) > MaxHosts {
		return errors.Errorf("too many servers: %d (maximum %d)", len(c.Hosts), MaxHosts)
	}
	for i, h := range c.Hosts {
		if h.Host == "" {
			return errors.Errorf("server %d: missing host", i)
		}
		if h.Port < 0 || h.Port > 65535 {
			return errors.Errorf("server %d: invalid port %d", i, h.Port)
		}
	}
	return nil
}

// ParseHostList parses "host[:port],host[:port]" into a redundancy list.
func ParseHostList(s string) ([]HostConfig, error) {
	var hosts []HostConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(item)
		if err != nil {
			// no port given
			hosts = append(hosts, HostConfig{Host: strings.Trim(item, "[]"), Port: DefaultPort})
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid port in %q", item)
		}
		hosts = append(hosts, HostConfig{Host: host, Port: port})
	}
	if len(hosts) == 0 {
		return nil, errors.New("empty server list")
	}
	return hosts, nil
}

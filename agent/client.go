package agent

import (
	"context"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/srilakshmi/vdisk/transport"
)

// ClientConfig controls connection and command timeouts.
type ClientConfig struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	Logger         logrus.FieldLogger
}

// Client connects to storage agents. It implements transport.Adapter and
// reports every asynchronous completion to one callback, on the goroutine
// reading the connection.
type Client struct {
	cb  transport.Callback
	cfg ClientConfig
}

func NewClient(cb transport.Callback, cfg ClientConfig) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Client{cb: cb, cfg: cfg}
}

// Dial connects to the agent at addr.
func (c *Client) Dial(ctx context.Context, addr string) (transport.Channel, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial agent %s", addr)
	}

	cn := &conn{
		client:  c,
		addr:    addr,
		nc:      nc,
		log:     c.cfg.Logger.WithField("agent", addr),
		pending: make(map[uint32]*pendingCommand),
		done:    make(chan struct{}),
	}
	go cn.handleCompletions()
	return cn, nil
}

type reply struct {
	value uint64
	err   error
}

type pendingCommand struct {
	op  transport.Opcode
	dev *device
	tag interface{}
	iov [][]byte

	// result is set for synchronous commands.
	result chan reply
}

// conn is one connection to an agent.
type conn struct {
	client *Client
	addr   string
	nc     net.Conn
	log    *logrus.Entry

	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[uint32]*pendingCommand
	nextCmdID uint32
	closed    bool

	done chan struct{}
}

// send registers p and writes the command. An error means the command was
// not accepted and p will not complete.
func (cn *conn) send(cmd *command, payload [][]byte, p *pendingCommand) error {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return transport.ErrChannelHup
	}
	cn.nextCmdID++
	cmd.CommandID = cn.nextCmdID
	cn.pending[cmd.CommandID] = p
	cn.mu.Unlock()

	bufs := append(net.Buffers{cmd.marshal()}, payload...)
	cn.writeMu.Lock()
	_, err := bufs.WriteTo(cn.nc)
	cn.writeMu.Unlock()
	if err == nil {
		return nil
	}

	cn.mu.Lock()
	_, still := cn.pending[cmd.CommandID]
	delete(cn.pending, cmd.CommandID)
	cn.mu.Unlock()
	cn.fail(err, false)
	if !still {
		// already failed by the reader, which reported it
		return nil
	}
	return errors.Wrapf(transport.ErrChannelHup, "send %s: %v", opcodeName(cmd.Opcode), err)
}

// call sends a synchronous command and waits for its reply.
func (cn *conn) call(ctx context.Context, cmd *command, payload [][]byte) (uint64, error) {
	p := &pendingCommand{result: make(chan reply, 1)}
	if err := cn.send(cmd, payload, p); err != nil {
		return 0, err
	}

	timer := time.NewTimer(cn.client.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case r := <-p.result:
		return r.value, r.err
	case <-ctx.Done():
		cn.forget(cmd.CommandID)
		return 0, ctx.Err()
	case <-timer.C:
		cn.forget(cmd.CommandID)
		return 0, errors.Errorf("%s: command timeout", opcodeName(cmd.Opcode))
	}
}

func (cn *conn) forget(id uint32) {
	cn.mu.Lock()
	delete(cn.pending, id)
	cn.mu.Unlock()
}

func (cn *conn) handleCompletions() {
	defer close(cn.done)
	header := make([]byte, completionSize)
	for {
		if _, err := io.ReadFull(cn.nc, header); err != nil {
			cn.fail(err, false)
			return
		}
		comp := parseCompletion(header)

		cn.mu.Lock()
		p, exists := cn.pending[comp.CommandID]
		delete(cn.pending, comp.CommandID)
		cn.mu.Unlock()

		if comp.Flags&completionData != 0 {
			if err := cn.readData(p, comp.Value); err != nil {
				cn.fail(err, false)
				return
			}
		}
		if !exists {
			// reply to a command that timed out
			continue
		}
		cn.dispatch(p, reply{value: comp.Value, err: statusError(comp.Status)})
	}
}

// readData takes n bytes of read data off the wire into p's vector, or
// discards them when nobody waits for them any more.
func (cn *conn) readData(p *pendingCommand, n uint64) error {
	if p == nil || p.op != transport.OpRead {
		_, err := io.CopyN(io.Discard, cn.nc, int64(n))
		return err
	}
	if n != uint64(vectorLen(p.iov)) {
		return errors.Errorf("read returned %d bytes, want %d", n, vectorLen(p.iov))
	}
	for _, b := range p.iov {
		if _, err := io.ReadFull(cn.nc, b); err != nil {
			return err
		}
	}
	return nil
}

func (cn *conn) dispatch(p *pendingCommand, r reply) {
	if p.result != nil {
		p.result <- r
		return
	}
	var dev transport.Device
	if p.dev != nil {
		dev = p.dev
	}
	cn.client.cb(transport.Completion{
		Device: dev,
		Reason: transport.ReasonDone,
		Op:     p.op,
		Tag:    p.tag,
		Err:    r.err,
		Value:  int64(r.value),
	})
}

// fail tears the connection down once. Pending commands complete with
// transport.ErrChannelHup in submission order, then a spontaneous hang-up is
// reported unless the channel was closed locally.
func (cn *conn) fail(cause error, local bool) {
	cn.mu.Lock()
	if cn.closed {
		cn.mu.Unlock()
		return
	}
	cn.closed = true
	pending := cn.pending
	cn.pending = make(map[uint32]*pendingCommand)
	cn.mu.Unlock()

	cn.nc.Close()

	ids := make([]uint32, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		cn.dispatch(pending[id], reply{err: transport.ErrChannelHup})
	}

	if local {
		return
	}
	cn.log.WithError(cause).WithField("failed", len(ids)).Warn("agent connection lost")
	cn.client.cb(transport.Completion{Reason: transport.ReasonHup, Err: transport.ErrChannelHup})
}

// OpenDevice opens path on the agent.
func (cn *conn) OpenDevice(ctx context.Context, path string) (transport.Device, error) {
	if len(path) > maxPathLen {
		return nil, errors.Errorf("device path too long: %d", len(path))
	}
	cmd := &command{Opcode: opOpen, Length: uint32(len(path))}
	h, err := cn.call(ctx, cmd, [][]byte{[]byte(path)})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &device{conn: cn, handle: h, path: path}, nil
}

// Close drops the connection. Commands still pending fail with
// transport.ErrChannelHup.
func (cn *conn) Close() error {
	cn.fail(nil, true)
	<-cn.done
	return nil
}

type device struct {
	conn   *conn
	handle uint64
	path   string
}

func (d *device) ReadV(iov [][]byte, offset int64, tag interface{}) error {
	n := vectorLen(iov)
	if n > MaxPayload {
		return errors.Errorf("read of %d bytes exceeds %d", n, MaxPayload)
	}
	cmd := &command{Opcode: opRead, Handle: d.handle, Offset: uint64(offset), Length: uint32(n)}
	return d.conn.send(cmd, nil, &pendingCommand{op: transport.OpRead, dev: d, tag: tag, iov: iov})
}

func (d *device) WriteV(iov [][]byte, offset int64, tag interface{}) error {
	n := vectorLen(iov)
	if n > MaxPayload {
		return errors.Errorf("write of %d bytes exceeds %d", n, MaxPayload)
	}
	cmd := &command{Opcode: opWrite, Handle: d.handle, Offset: uint64(offset), Length: uint32(n)}
	return d.conn.send(cmd, iov, &pendingCommand{op: transport.OpWrite, dev: d, tag: tag})
}

func (d *device) Ioctl(op transport.Opcode, tag interface{}, flags transport.Flags) (int64, error) {
	var code uint8
	switch op {
	case transport.OpStat:
		code = opStat
	case transport.OpFlush:
		code = opFlush
	case transport.OpFailoverReady:
		code = opReady
	default:
		return 0, transport.ErrNotSupported
	}
	cmd := &command{Opcode: code, Flags: uint8(flags), Handle: d.handle}

	if flags&transport.FlagAsync != 0 {
		return 0, d.conn.send(cmd, nil, &pendingCommand{op: op, dev: d, tag: tag})
	}
	v, err := d.conn.call(context.Background(), cmd, nil)
	return int64(v), err
}

// Close releases the handle on the agent. A lost connection has already
// released it.
func (d *device) Close() error {
	cmd := &command{Opcode: opClose, Handle: d.handle}
	_, err := d.conn.call(context.Background(), cmd, nil)
	if errors.Is(err, transport.ErrChannelHup) {
		return nil
	}
	return err
}

func vectorLen(iov [][]byte) int {
	n := 0
	for _, b := range iov {
		n += len(b)
	}
	return n
}

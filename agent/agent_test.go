package agent

import (
	"bytes"
	"context"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/vdisk/transport"
	"github.com/srilakshmi/vdisk/vdisk"
)

const (
	testDiskID = "5d3c1f0e-9a8b-4c7d-8e6f-1a2b3c4d5e6f"
	testPath   = vdisk.DevicePathPrefix + testDiskID
	testSize   = 1 << 20
	waitFor    = 5 * time.Second
)

func startAgent(t *testing.T, backend StorageBackend) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	s := NewServer("127.0.0.1:0", logger)
	require.NoError(t, s.AddDisk(testPath, backend))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

type completions chan transport.Completion

func (c completions) cb(comp transport.Completion) {
	c <- comp
}

func (c completions) next(t *testing.T) transport.Completion {
	t.Helper()
	select {
	case comp := <-c:
		return comp
	case <-time.After(waitFor):
		t.Fatal("no completion")
		return transport.Completion{}
	}
}

func dialAgent(t *testing.T, s *Server) (transport.Channel, completions) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	comps := make(completions, 16)
	c := NewClient(comps.cb, ClientConfig{Logger: logger})
	ch, err := c.Dial(context.Background(), s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch, comps
}

func TestCommandEncoding(t *testing.T) {
	cmd := &command{Opcode: opWrite, Flags: 1, CommandID: 42, Handle: 7, Offset: 1 << 33, Length: 4096}
	buf := cmd.marshal()
	require.Len(t, buf, commandSize)
	assert.Equal(t, cmd, parseCommand(buf))

	comp := &completion{CommandID: 42, Status: StatusNotReady, Flags: completionData, Value: 512}
	cbuf := comp.marshal()
	require.Len(t, cbuf, completionSize)
	assert.Equal(t, comp, parseCompletion(cbuf))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, statusError(StatusSuccess))
	assert.Equal(t, transport.ErrNotReady, statusError(StatusNotReady))
	assert.True(t, transport.IsChannelFailure(statusError(StatusRetryOnSource)))
	assert.Equal(t, ErrNoDevice, statusError(StatusNoDevice))
	assert.False(t, transport.IsChannelFailure(statusError(StatusDataXferError)))
}

func TestClientServerIO(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(testSize))
	ch, comps := dialAgent(t, s)

	dev, err := ch.OpenDevice(context.Background(), testPath)
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789abcdef"), 512)
	require.NoError(t, dev.WriteV([][]byte{data[:100], data[100:]}, 4096, "w"))
	comp := comps.next(t)
	assert.NoError(t, comp.Err)
	assert.Equal(t, "w", comp.Tag)
	assert.Equal(t, transport.OpWrite, comp.Op)
	assert.Equal(t, transport.ReasonDone, comp.Reason)

	a, b := make([]byte, 3000), make([]byte, len(data)-3000)
	require.NoError(t, dev.ReadV([][]byte{a, b}, 4096, "r"))
	comp = comps.next(t)
	require.NoError(t, comp.Err)
	assert.Equal(t, "r", comp.Tag)
	assert.Equal(t, data, append(a, b...))

	size, err := dev.Ioctl(transport.OpStat, nil, transport.FlagSync)
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), size)

	_, err = dev.Ioctl(transport.OpFlush, nil, transport.FlagSync)
	assert.NoError(t, err)

	_, err = dev.Ioctl(transport.OpFailoverReady, "probe", transport.FlagAsync)
	require.NoError(t, err)
	comp = comps.next(t)
	assert.NoError(t, comp.Err)
	assert.Equal(t, "probe", comp.Tag)
	assert.Equal(t, transport.OpFailoverReady, comp.Op)

	_, err = dev.Ioctl(transport.OpRead, nil, transport.FlagSync)
	assert.Equal(t, transport.ErrNotSupported, err)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats["write_ops"])
	assert.Equal(t, uint64(len(data)), stats["bytes_read"])

	assert.NoError(t, dev.Close())
}

func TestMediaErrorIsNotChannelFailure(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	ch, comps := dialAgent(t, s)
	dev, err := ch.OpenDevice(context.Background(), testPath)
	require.NoError(t, err)

	require.NoError(t, dev.ReadV([][]byte{make([]byte, 512)}, 4000, nil))
	comp := comps.next(t)
	require.Error(t, comp.Err)
	assert.False(t, transport.IsChannelFailure(comp.Err))

	// the connection is still usable
	require.NoError(t, dev.ReadV([][]byte{make([]byte, 512)}, 0, nil))
	assert.NoError(t, comps.next(t).Err)
}

func TestBackendsRejectWrappingOffsets(t *testing.T) {
	fb, err := OpenFileBackend(filepath.Join(t.TempDir(), "disk"), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { fb.Close() })

	for name, b := range map[string]StorageBackend{"memory": NewMemoryBackend(4096), "file": fb} {
		t.Run(name, func(t *testing.T) {
			_, err := b.Read(math.MaxUint64-1, 4)
			assert.True(t, errors.Is(err, errOutOfRange))
			assert.True(t, errors.Is(b.Write(math.MaxUint64-1, make([]byte, 4)), errOutOfRange))

			_, err = b.Read(4096, 1)
			assert.True(t, errors.Is(err, errOutOfRange))
			_, err = b.Read(4096, 0)
			assert.NoError(t, err)
			assert.NoError(t, b.Write(4092, make([]byte, 4)))
		})
	}
}

// An offset that wraps past 2^64 is a failed command, and the agent keeps
// serving the connection.
func TestWrappingOffsetOverWire(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	ch, comps := dialAgent(t, s)
	dev, err := ch.OpenDevice(context.Background(), testPath)
	require.NoError(t, err)

	require.NoError(t, dev.ReadV([][]byte{make([]byte, 4)}, -2, "r"))
	comp := comps.next(t)
	require.Error(t, comp.Err)
	assert.False(t, transport.IsChannelFailure(comp.Err))

	require.NoError(t, dev.WriteV([][]byte{make([]byte, 4)}, -2, "w"))
	comp = comps.next(t)
	require.Error(t, comp.Err)
	assert.False(t, transport.IsChannelFailure(comp.Err))

	require.NoError(t, dev.ReadV([][]byte{make([]byte, 512)}, 0, "ok"))
	assert.NoError(t, comps.next(t).Err)
}

func TestStopClosesFileBackend(t *testing.T) {
	fb, err := OpenFileBackend(filepath.Join(t.TempDir(), "disk"), 4096)
	require.NoError(t, err)
	s := startAgent(t, fb)

	require.NoError(t, s.Stop())
	_, err = fb.Read(0, 512)
	assert.True(t, errors.Is(err, os.ErrClosed))
	require.NoError(t, s.Stop())
}

func TestOpenUnknownDevice(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	ch, _ := dialAgent(t, s)

	_, err := ch.OpenDevice(context.Background(), "/dev/of/vdisk-missing")
	assert.True(t, errors.Is(err, ErrNoDevice))
}

func TestProbeNotReady(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	s.SetReady(false)
	ch, comps := dialAgent(t, s)
	dev, err := ch.OpenDevice(context.Background(), testPath)
	require.NoError(t, err)

	_, err = dev.Ioctl(transport.OpFailoverReady, 1, transport.FlagAsync)
	require.NoError(t, err)
	assert.Equal(t, transport.ErrNotReady, comps.next(t).Err)

	s.SetReady(true)
	_, err = dev.Ioctl(transport.OpFailoverReady, 2, transport.FlagAsync)
	require.NoError(t, err)
	assert.NoError(t, comps.next(t).Err)
}

func TestDroppedConnectionHangsUp(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	ch, comps := dialAgent(t, s)
	dev, err := ch.OpenDevice(context.Background(), testPath)
	require.NoError(t, err)

	s.DropConnections()
	comp := comps.next(t)
	assert.Equal(t, transport.ReasonHup, comp.Reason)
	assert.Nil(t, comp.Tag)

	err = dev.WriteV([][]byte{make([]byte, 512)}, 0, nil)
	assert.True(t, transport.IsChannelFailure(err))
	assert.NoError(t, dev.Close())
}

func TestLocalCloseDoesNotHangUp(t *testing.T) {
	s := startAgent(t, NewMemoryBackend(4096))
	ch, comps := dialAgent(t, s)

	require.NoError(t, ch.Close())
	select {
	case comp := <-comps:
		t.Fatalf("unexpected completion %+v", comp)
	case <-time.After(50 * time.Millisecond):
	}
}

func hostConfig(t *testing.T, addr string) vdisk.HostConfig {
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return vdisk.HostConfig{Host: host, Port: p}
}

// A virtual disk served by two agents over one backend survives the loss of
// the first agent.
func TestVirtualDiskFailsOverBetweenAgents(t *testing.T) {
	backend := NewMemoryBackend(testSize)
	primary := startAgent(t, backend)
	secondary := startAgent(t, backend)

	logger, _ := test.NewNullLogger()
	client := NewClient(vdisk.HandleCompletion, ClientConfig{Logger: logger})
	d, err := vdisk.Open(context.Background(), client, vdisk.Config{
		DiskID:        testDiskID,
		Hosts:         []vdisk.HostConfig{hostConfig(t, primary.Addr()), hostConfig(t, secondary.Addr())},
		RetryInterval: 10 * time.Millisecond,
		OpenTimeout:   time.Second,
		Logger:        logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		d.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	before := bytes.Repeat([]byte{0x11}, 8192)
	require.NoError(t, d.WriteAt(ctx, [][]byte{before}, 0))

	require.NoError(t, primary.Stop())

	after := bytes.Repeat([]byte{0x22}, 8192)
	require.NoError(t, d.WriteAt(ctx, [][]byte{after}, 8192))

	got := make([]byte, 16384)
	require.NoError(t, d.ReadAt(ctx, [][]byte{got}, 0))
	assert.Equal(t, append(before, after...), got)

	st := d.Status()
	assert.Equal(t, 1, st.CurrentHost)
	assert.Equal(t, "active", st.Health)

	n, err := d.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), n)
}

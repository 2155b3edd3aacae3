// Package transport defines the capability surface a virtual disk needs from
// the vendor storage transport: connect to an agent, open a remote device,
// issue asynchronous vectored reads and writes, and issue ioctls. Every
// asynchronous operation finishes by invoking a single Callback, possibly on a
// goroutine the caller does not own.
package transport

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Opcode identifies the operation a completion belongs to.
type Opcode uint8

const (
	OpRead Opcode = iota + 1
	OpWrite
	OpStat
	OpFlush
	OpFailoverReady
)

func (op Opcode) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpStat:
		return "stat"
	case OpFlush:
		return "flush"
	case OpFailoverReady:
		return "failover-ready"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(op))
	}
}

// Reason tells why the callback fired.
type Reason uint8

const (
	// ReasonDone is a reply to a submitted operation.
	ReasonDone Reason = iota
	// ReasonEvent is an agent-originated event tied to an operation.
	ReasonEvent
	// ReasonHup is a spontaneous channel hang-up not tied to any operation.
	ReasonHup
)

func (r Reason) String() string {
	switch r {
	case ReasonDone:
		return "done"
	case ReasonEvent:
		return "event"
	case ReasonHup:
		return "hup"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Flags select synchronous or asynchronous ioctl behaviour.
type Flags uint32

const (
	FlagSync  Flags = 0
	FlagAsync Flags = 0x01
	FlagDone  Flags = 0x10
)

// Completion is delivered once per accepted asynchronous operation.
type Completion struct {
	Device Device
	Reason Reason
	Op     Opcode
	Tag    interface{}
	Err    error
	Value  int64
}

// Callback receives every completion produced by an Adapter.
type Callback func(Completion)

// Adapter establishes channels to storage agents.
type Adapter interface {
	Dial(ctx context.Context, addr string) (Channel, error)
}

// Channel is one connection to one storage agent.
type Channel interface {
	OpenDevice(ctx context.Context, path string) (Device, error)
	Close() error
}

// Device is a remote-device handle opened on a Channel.
//
// ReadV and WriteV return nil when the operation was accepted; the outcome is
// then reported through the adapter's Callback with tag as Completion.Tag.
// A non-nil return means the operation was not accepted and no completion
// will follow.
type Device interface {
	ReadV(iov [][]byte, offset int64, tag interface{}) error
	WriteV(iov [][]byte, offset int64, tag interface{}) error
	// Ioctl issues OpStat, OpFlush or OpFailoverReady. With FlagSync the
	// result is returned directly; with FlagAsync it arrives as a Completion.
	Ioctl(op Opcode, tag interface{}, flags Flags) (int64, error)
	Close() error
}

var (
	ErrChannelHup    = errors.New("transport channel hang-up")
	ErrHup           = errors.New("storage agent hang-up")
	ErrRetryOnSource = errors.New("storage agent asked to retry on source")
	ErrNotSupported  = errors.New("operation not supported")
	ErrNotReady      = errors.New("storage agent not ready for i/o")
)

// IsChannelFailure reports whether err means the agent or the channel to it
// went away, as opposed to the agent rejecting the operation itself.
func IsChannelFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrChannelHup) ||
		errors.Is(err, ErrHup) ||
		errors.Is(err, ErrRetryOnSource)
}

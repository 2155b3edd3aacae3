// Package agent implements the storage agent wire protocol: a TCP server
// exporting virtual-disk backends, and a client implementing
// transport.Adapter on top of it.
//
// Every request is a 64-byte little-endian command header, optionally
// followed by a payload (the device path for open, the data for write).
// Every reply is a 16-byte completion entry; a successful read is followed by
// the data. Replies may arrive in any order and are matched by command id.
package agent

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/srilakshmi/vdisk/transport"
)

const (
	commandSize    = 64
	completionSize = 16

	// MaxPayload bounds a single read or write.
	MaxPayload = 64 << 20
	maxPathLen = 4096
)

// Command opcodes. Flush, write and read keep their NVMe I/O command values.
const (
	opFlush uint8 = 0x00
	opWrite uint8 = 0x01
	opRead  uint8 = 0x02
	opOpen  uint8 = 0x10
	opClose uint8 = 0x11
	opStat  uint8 = 0x20
	opReady uint8 = 0x21
)

// Completion status codes.
const (
	StatusSuccess       uint16 = 0x0000
	StatusInvalidOpcode uint16 = 0x0001
	StatusInvalidField  uint16 = 0x0002
	StatusDataXferError uint16 = 0x0004
	StatusInternalError uint16 = 0x0006
	StatusNotReady      uint16 = 0x0080
	StatusNoDevice      uint16 = 0x0081
	StatusRetryOnSource uint16 = 0x0082
)

var ErrNoDevice = errors.New("no such device on agent")

type command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint32
	Handle    uint64
	Offset    uint64
	Length    uint32
}

func (c *command) marshal() []byte {
	buf := make([]byte, commandSize)
	buf[0] = c.Opcode
	buf[1] = c.Flags
	binary.LittleEndian.PutUint32(buf[4:8], c.CommandID)
	binary.LittleEndian.PutUint64(buf[8:16], c.Handle)
	binary.LittleEndian.PutUint64(buf[16:24], c.Offset)
	binary.LittleEndian.PutUint32(buf[24:28], c.Length)
	return buf
}

func parseCommand(buf []byte) *command {
	return &command{
		Opcode:    buf[0],
		Flags:     buf[1],
		CommandID: binary.LittleEndian.Uint32(buf[4:8]),
		Handle:    binary.LittleEndian.Uint64(buf[8:16]),
		Offset:    binary.LittleEndian.Uint64(buf[16:24]),
		Length:    binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// completionData marks a completion followed by Value bytes of read data.
const completionData uint8 = 0x01

type completion struct {
	CommandID uint32
	Status    uint16
	Flags     uint8
	// Value is the handle for open, the size for stat and the number of data
	// bytes that follow for read.
	Value uint64
}

func (c *completion) marshal() []byte {
	buf := make([]byte, completionSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.CommandID)
	binary.LittleEndian.PutUint16(buf[4:6], c.Status)
	buf[6] = c.Flags
	binary.LittleEndian.PutUint64(buf[8:16], c.Value)
	return buf
}

func parseCompletion(buf []byte) *completion {
	return &completion{
		CommandID: binary.LittleEndian.Uint32(buf[0:4]),
		Status:    binary.LittleEndian.Uint16(buf[4:6]),
		Flags:     buf[6],
		Value:     binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// statusError maps a completion status to the error the transport reports.
func statusError(status uint16) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusNotReady:
		return transport.ErrNotReady
	case StatusRetryOnSource:
		return transport.ErrRetryOnSource
	case StatusNoDevice:
		return ErrNoDevice
	default:
		return errors.Errorf("agent status 0x%04x", status)
	}
}

func opcodeName(op uint8) string {
	switch op {
	case opFlush:
		return "flush"
	case opWrite:
		return "write"
	case opRead:
		return "read"
	case opOpen:
		return "open"
	case opClose:
		return "close"
	case opStat:
		return "stat"
	case opReady:
		return "ready"
	default:
		return fmt.Sprintf("0x%02x", op)
	}
}

package agent

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// StorageBackend holds the data of one exported disk.
type StorageBackend interface {
	Read(offset uint64, length uint32) ([]byte, error)
	Write(offset uint64, data []byte) error
	Flush() error
	Size() uint64
}

var errOutOfRange = errors.New("access beyond end of device")

// inRange reports whether length bytes at offset fit in size bytes. It does
// not add offset and length, which may wrap.
func inRange(offset, length, size uint64) bool {
	return offset <= size && length <= size-offset
}

// MemoryBackend implements in-memory storage. Agents sharing one
// MemoryBackend behave like replicas of the same disk.
type MemoryBackend struct {
	data []byte
	mu   sync.RWMutex
}

func NewMemoryBackend(size uint64) *MemoryBackend {
	return &MemoryBackend{
		data: make([]byte, size),
	}
}

func (mb *MemoryBackend) Read(offset uint64, length uint32) ([]byte, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if !inRange(offset, uint64(length), uint64(len(mb.data))) {
		return nil, errors.Wrapf(errOutOfRange, "read %d+%d", offset, length)
	}

	result := make([]byte, length)
	copy(result, mb.data[offset:offset+uint64(length)])
	return result, nil
}

func (mb *MemoryBackend) Write(offset uint64, data []byte) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if !inRange(offset, uint64(len(data)), uint64(len(mb.data))) {
		return errors.Wrapf(errOutOfRange, "write %d+%d", offset, len(data))
	}

	copy(mb.data[offset:], data)
	return nil
}

func (mb *MemoryBackend) Flush() error {
	return nil
}

func (mb *MemoryBackend) Size() uint64 {
	return uint64(len(mb.data))
}

// FileBackend stores a disk in a regular file of fixed size.
type FileBackend struct {
	f    *os.File
	size uint64
}

// OpenFileBackend opens or creates path and sizes it to size bytes.
func OpenFileBackend(path string, size uint64) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open backing file")
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "size backing file")
	}
	return &FileBackend{f: f, size: size}, nil
}

func (fb *FileBackend) Read(offset uint64, length uint32) ([]byte, error) {
	if !inRange(offset, uint64(length), fb.size) {
		return nil, errors.Wrapf(errOutOfRange, "read %d+%d", offset, length)
	}
	buf := make([]byte, length)
	if _, err := fb.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, errors.Wrap(err, "read backing file")
	}
	return buf, nil
}

func (fb *FileBackend) Write(offset uint64, data []byte) error {
	if !inRange(offset, uint64(len(data)), fb.size) {
		return errors.Wrapf(errOutOfRange, "write %d+%d", offset, len(data))
	}
	_, err := fb.f.WriteAt(data, int64(offset))
	return errors.Wrap(err, "write backing file")
}

func (fb *FileBackend) Flush() error {
	return errors.Wrap(fb.f.Sync(), "sync backing file")
}

func (fb *FileBackend) Size() uint64 {
	return fb.size
}

func (fb *FileBackend) Close() error {
	return fb.f.Close()
}

package agent

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server is a storage agent exporting disks by device path.
type Server struct {
	listenAddr string
	log        logrus.FieldLogger

	disks   map[string]StorageBackend
	disksMu sync.RWMutex

	// Active connections
	connections map[string]*serverConn
	connMu      sync.Mutex

	listener net.Listener
	wg       sync.WaitGroup

	running   bool
	runningMu sync.Mutex

	// notReady makes failover-ready probes fail.
	notReady atomic.Bool

	// Statistics
	readOps      atomic.Uint64
	writeOps     atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

type serverConn struct {
	id          string
	conn        net.Conn
	connectedAt time.Time

	// open device handles
	handles    map[uint64]string
	nextHandle uint64

	commandsProcessed uint64
}

// NewServer creates an agent that will listen on listenAddr.
func NewServer(listenAddr string, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		listenAddr:  listenAddr,
		log:         log.WithField("component", "agent"),
		disks:       make(map[string]StorageBackend),
		connections: make(map[string]*serverConn),
	}
}

// AddDisk exports backend under path.
func (s *Server) AddDisk(path string, backend StorageBackend) error {
	s.disksMu.Lock()
	defer s.disksMu.Unlock()

	if _, exists := s.disks[path]; exists {
		return errors.Errorf("disk already exported: %s", path)
	}
	s.disks[path] = backend
	return nil
}

// SetReady controls the answer to failover-ready probes.
func (s *Server) SetReady(ready bool) {
	s.notReady.Store(!ready)
}

// Start starts accepting connections.
func (s *Server) Start() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()

	if s.running {
		return errors.New("agent already running")
	}

	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}

	s.listener = listener
	s.running = true

	s.wg.Add(1)
	go s.acceptConnections()

	s.log.WithField("addr", listener.Addr().String()).Info("agent listening")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.listener == nil {
		return s.listenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.runningMu.Lock()
			running := s.running
			s.runningMu.Unlock()
			if !running {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		sc := &serverConn{
			id:          uuid.NewString(),
			conn:        conn,
			connectedAt: time.Now(),
			handles:     make(map[uint64]string),
			nextHandle:  1,
		}
		s.connMu.Lock()
		s.connections[sc.id] = sc
		s.connMu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(sc)
	}
}

func (s *Server) handleConnection(sc *serverConn) {
	defer s.wg.Done()
	log := s.log.WithField("conn", sc.id).WithField("remote", sc.conn.RemoteAddr().String())
	log.Debug("connection accepted")

	defer func() {
		sc.conn.Close()
		s.connMu.Lock()
		delete(s.connections, sc.id)
		s.connMu.Unlock()
		log.WithField("commands", sc.commandsProcessed).Debug("connection closed")
	}()

	header := make([]byte, commandSize)
	for {
		if _, err := io.ReadFull(sc.conn, header); err != nil {
			return
		}
		cmd := parseCommand(header)

		var payload []byte
		if cmd.Opcode == opWrite || cmd.Opcode == opOpen {
			if cmd.Length > MaxPayload || (cmd.Opcode == opOpen && cmd.Length > maxPathLen) {
				log.WithField("length", cmd.Length).Warn("oversized payload, dropping connection")
				return
			}
			payload = make([]byte, cmd.Length)
			if _, err := io.ReadFull(sc.conn, payload); err != nil {
				return
			}
		}

		comp, data := s.processCommand(sc, cmd, payload)
		sc.commandsProcessed++

		bufs := net.Buffers{comp.marshal()}
		if len(data) > 0 {
			bufs = append(bufs, data)
		}
		if _, err := bufs.WriteTo(sc.conn); err != nil {
			return
		}
	}
}

func (s *Server) processCommand(sc *serverConn, cmd *command, payload []byte) (*completion, []byte) {
	comp := &completion{
		CommandID: cmd.CommandID,
		Status:    StatusSuccess,
	}

	if cmd.Opcode == opOpen {
		path := string(payload)
		s.disksMu.RLock()
		_, exists := s.disks[path]
		s.disksMu.RUnlock()
		if !exists {
			comp.Status = StatusNoDevice
			return comp, nil
		}
		h := sc.nextHandle
		sc.nextHandle++
		sc.handles[h] = path
		comp.Value = h
		return comp, nil
	}

	path, open := sc.handles[cmd.Handle]
	if !open {
		comp.Status = StatusInvalidField
		return comp, nil
	}
	s.disksMu.RLock()
	backend, exists := s.disks[path]
	s.disksMu.RUnlock()
	if !exists {
		comp.Status = StatusNoDevice
		return comp, nil
	}

	switch cmd.Opcode {
	case opClose:
		delete(sc.handles, cmd.Handle)

	case opRead:
		if cmd.Length > MaxPayload {
			comp.Status = StatusInvalidField
			return comp, nil
		}
		data, err := backend.Read(cmd.Offset, cmd.Length)
		if err != nil {
			comp.Status = StatusDataXferError
			return comp, nil
		}
		s.readOps.Add(1)
		s.bytesRead.Add(uint64(len(data)))
		comp.Value = uint64(len(data))
		comp.Flags = completionData
		return comp, data

	case opWrite:
		if err := backend.Write(cmd.Offset, payload); err != nil {
			comp.Status = StatusDataXferError
			return comp, nil
		}
		s.writeOps.Add(1)
		s.bytesWritten.Add(uint64(len(payload)))

	case opFlush:
		if err := backend.Flush(); err != nil {
			comp.Status = StatusInternalError
		}

	case opStat:
		comp.Value = backend.Size()

	case opReady:
		if s.notReady.Load() {
			comp.Status = StatusNotReady
		}

	default:
		comp.Status = StatusInvalidOpcode
	}

	return comp, nil
}

// DropConnections closes every client connection but keeps listening, as an
// agent restart would look to its clients.
func (s *Server) DropConnections() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for _, sc := range s.connections {
		sc.conn.Close()
	}
}

// Stop stops the agent, waits for its connections to finish and closes the
// exported backends that implement io.Closer.
func (s *Server) Stop() error {
	s.runningMu.Lock()
	wasRunning := s.running
	s.running = false
	var err error
	if wasRunning {
		err = s.listener.Close()
	}
	s.runningMu.Unlock()

	if wasRunning {
		s.DropConnections()
		s.wg.Wait()
	}
	s.closeBackends()
	return err
}

func (s *Server) closeBackends() {
	s.disksMu.Lock()
	defer s.disksMu.Unlock()
	for path, backend := range s.disks {
		if c, ok := backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				s.log.WithError(err).WithField("disk", path).Warn("closing backend")
			}
		}
	}
	s.disks = make(map[string]StorageBackend)
}

// Stats returns I/O counters.
func (s *Server) Stats() map[string]uint64 {
	s.connMu.Lock()
	conns := len(s.connections)
	s.connMu.Unlock()
	return map[string]uint64{
		"read_ops":      s.readOps.Load(),
		"write_ops":     s.writeOps.Load(),
		"bytes_read":    s.bytesRead.Load(),
		"bytes_written": s.bytesWritten.Load(),
		"connections":   uint64(conns),
	}
}

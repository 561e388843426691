// Package server implements the Manager-side half of the control plane:
// a listening AF_UNIX socket with backlog 1000, a readiness
// multiplexer over the listener and every connected client, and thin
// emitter helpers for the Manager→Worker message kinds. It is
// single-threaded and cooperative, built on golang.org/x/sys/unix.Poll
// rather than a goroutine-per-connection model so the Manager keeps one
// thread of control.
package server

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/il-steffen/kafl.fuzzer/internal/symbolic"
	"github.com/il-steffen/kafl.fuzzer/internal/wire"
)

const backlog = 1000

// ErrAllWorkersExited signals that the last connected client disconnected.
var ErrAllWorkersExited = errors.New("server: all workers exited")

// ClientID identifies a connected worker for the lifetime of its
// connection; it is the client's underlying file descriptor.
type ClientID int

type client struct {
	fd  int
	buf []byte
}

// Event pairs one decoded message with the client that sent it.
type Event struct {
	Client  ClientID
	Message wire.Message
}

// Server owns the Manager's listening socket and connected client set.
type Server struct {
	sockPath    string
	listenFD    int
	clients     map[int]*client
	clientsSeen int
}

// New creates and binds the listening socket at path, removing any
// stale socket file left by a previous run.
func New(path string) (*Server, error) {
	os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("server: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: listen %s: %w", path, err)
	}

	return &Server{
		sockPath: path,
		listenFD: fd,
		clients:  make(map[int]*client),
	}, nil
}

// ClientsSeen returns the total number of clients ever accepted.
func (s *Server) ClientsSeen() int { return s.clientsSeen }

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int { return len(s.clients) }

// Close releases the listening socket and unlinks its path.
func (s *Server) Close() error {
	for fd := range s.clients {
		unix.Close(fd)
	}
	err := unix.Close(s.listenFD)
	os.Remove(s.sockPath)
	return err
}

// Wait blocks for up to timeoutMs milliseconds on the listener and every
// connected client, accepting new connections and decoding any complete
// frames that have arrived. It returns ErrAllWorkersExited once the last
// client disconnects.
func (s *Server) Wait(timeoutMs int) ([]Event, error) {
	pollFDs := make([]unix.PollFd, 0, len(s.clients)+1)
	pollFDs = append(pollFDs, unix.PollFd{Fd: int32(s.listenFD), Events: unix.POLLIN})
	for fd := range s.clients {
		pollFDs = append(pollFDs, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pollFDs, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("server: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	var events []Event
	for _, pfd := range pollFDs {
		if pfd.Revents == 0 {
			continue
		}
		if int(pfd.Fd) == s.listenFD {
			s.acceptReady()
			continue
		}
		c, ok := s.clients[int(pfd.Fd)]
		if !ok {
			continue
		}
		msgs, closed := s.readReady(c)
		events = append(events, msgs...)
		if closed {
			delete(s.clients, c.fd)
			unix.Close(c.fd)
			if len(s.clients) == 0 {
				return events, ErrAllWorkersExited
			}
		}
	}
	return events, nil
}

func (s *Server) acceptReady() {
	for {
		fd, _, err := unix.Accept(s.listenFD)
		if err != nil {
			return
		}
		unix.SetNonblock(fd, true)
		s.clients[fd] = &client{fd: fd}
		s.clientsSeen++
	}
}

// readReady drains all currently available bytes from c, extracts every
// complete frame, and reports whether the client's connection is now
// closed (clean EOF, I/O error, or an unrecoverable stream such as an
// oversized length prefix).
func (s *Server) readReady(c *client) (events []Event, closed bool) {
	buf := make([]byte, 65536)
	for {
		n, err := unix.Read(c.fd, buf)
		if n > 0 {
			c.buf = append(c.buf, buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			closed = true
			break
		}
		if n == 0 {
			closed = true
			break
		}
		if n < len(buf) {
			break
		}
	}

	for {
		body, rest, ok, err := wire.SplitFrame(c.buf)
		if err != nil {
			// The stream cannot be resynchronized past a bad length
			// prefix; drop the client instead of buffering forever.
			return events, true
		}
		if !ok {
			break
		}
		c.buf = rest
		msg, err := wire.DecodeBody(body)
		if err != nil {
			continue
		}
		events = append(events, Event{Client: ClientID(c.fd), Message: msg})
	}
	return events, closed
}

func (s *Server) send(id ClientID, msg wire.Message) error {
	c, ok := s.clients[int(id)]
	if !ok {
		return fmt.Errorf("server: unknown client %d", id)
	}
	body, err := wire.EncodeBody(msg)
	if err != nil {
		return err
	}
	return writeFull(c.fd, wire.FrameBody(body))
}

// writeFull pushes the whole buffer through a non-blocking fd. Control
// frames are small and workers drain promptly, so EAGAIN here is a
// momentary full socket buffer, not a stuck peer.
func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// SendImport emits IMPORT{task} to a fuzz worker.
func (s *Server) SendImport(id ClientID, task any) error {
	return s.send(id, wire.Import{Task: task})
}

// SendImportSyx emits IMPORT_SYX{task} to a symbolic worker.
func (s *Server) SendImportSyx(id ClientID, task any) error {
	return s.send(id, wire.ImportSyx{Task: task})
}

// SendNode emits RUN_NODE{task} to a fuzz worker.
func (s *Server) SendNode(id ClientID, task any) error {
	return s.send(id, wire.RunNode{Task: task})
}

// SendBusy emits BUSY to a worker with no task currently available.
func (s *Server) SendBusy(id ClientID) error {
	return s.send(id, wire.Busy{})
}

// SendSymRequest emits SYM_REQUEST{request} to a symbolic worker.
func (s *Server) SendSymRequest(id ClientID, req symbolic.Request) error {
	return s.send(id, wire.SymRequest{Request: req})
}

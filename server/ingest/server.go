// Package ingest implements the camera-facing FTP subset. IP cameras
// push motion-detection footage over FTP; we speak just enough of the
// protocol to authenticate them and receive their files.
//
// Everything runs on the main loop via short non-blocking ticks, except
// the actual data transfers, which go to the worker pool.
//
// Tested camera families: Hikvision DS-2CD21xx, AXIS 211A,
// Panasonic BL-C10/C104/C140, Mobotix.
package ingest

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/pkg/slots"
	"github.com/viqsec/sentry/pkg/workpool"
	"github.com/viqsec/sentry/server/events"
	"github.com/viqsec/sentry/server/storage"
)

// Control connections that stay silent for this long are dropped.
// The event session usually outlives the connection, because cameras
// reconnect for every file.
const clientTimeout = 10 * time.Second

type transferMode int

const (
	modeNone transferMode = iota
	modeActive
	modePassive
)

// client is one camera control connection. Owned by the main loop;
// timeoutLocked is also flipped by download tasks on the worker pool.
type client struct {
	conn       net.Conn
	lastActive time.Time
	username   string
	sessionID  slots.ID // 0 until PASS
	mode       transferMode
	activeAddr string           // host:port from PORT
	passive    *net.TCPListener // lazily created on first PASV, reused after that
	closed     bool
	// Set while a footage download for this connection is queued or in
	// flight, so the connection can't be timed out under it.
	timeoutLocked atomic.Bool
}

type Server struct {
	log            logs.Log
	storage        *storage.Storage
	events         *events.Manager
	pool           *workpool.Pool
	passiveTimeout time.Duration

	listener *net.TCPListener
	clients  slots.Table[client]
	readBuf  [1024]byte
}

func NewServer(log logs.Log, st *storage.Storage, ev *events.Manager, pool *workpool.Pool, passiveTimeout time.Duration) *Server {
	return &Server{
		log:            log,
		storage:        st,
		events:         ev,
		pool:           pool,
		passiveTimeout: passiveTimeout,
	}
}

func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		return fmt.Errorf("Failed to start ingestion server on port %v: %w", port, err)
	}
	s.listener = ln.(*net.TCPListener)
	s.log.Infof("Ingestion server started (port %v)", s.Addr().Port)
	return nil
}

// Addr returns the bound control address.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Close shuts the listener and every live control connection.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.clients.ForEach(func(id slots.ID, c *client) {
		s.closeClient(c)
	})
}

// TickAccept admits at most one pending camera connection.
func (s *Server) TickAccept() {
	s.listener.SetDeadline(time.Now().Add(time.Millisecond))
	conn, err := s.listener.Accept()
	if err != nil {
		return // almost always the poll deadline
	}
	s.log.Infof("Camera connection from %v", conn.RemoteAddr())
	_, c := s.clients.Alloc()
	c.conn = conn
	c.lastActive = time.Now()
	// Greet immediately. Without the banner some cameras (Hikvision
	// DS-2CD2142) take ~10 seconds before they try USER anyway.
	s.send(c, "220 Welcome \r\n")
}

// TickService does one non-blocking read per connection and dispatches
// any command that arrived.
func (s *Server) TickService() {
	s.clients.ForEach(func(id slots.ID, c *client) {
		if c.closed {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := c.conn.Read(s.readBuf[:])
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			s.log.Infof("Camera client shutdown (%v)", err)
			s.closeClient(c)
			return
		}
		if n == 0 {
			return
		}
		c.lastActive = time.Now()
		s.handleCommand(id, c, s.readBuf[:n])
	})
}

// TickTimeouts closes connections that have idled out. Timeout-locked
// connections get their idle timer reset instead.
func (s *Server) TickTimeouts() {
	now := time.Now()
	s.clients.ForEach(func(id slots.ID, c *client) {
		if c.closed {
			return
		}
		if c.timeoutLocked.Load() {
			c.lastActive = now
			return
		}
		if now.Sub(c.lastActive) > clientTimeout {
			s.log.Warnf("Camera client timeout")
			s.closeClient(c)
		}
	})
}

// TickReap releases the slots of closed connections. A closed client
// whose download task is still running keeps its slot until the task
// unlocks it, because the task holds a pointer to the row.
func (s *Server) TickReap() {
	s.clients.ForEach(func(id slots.ID, c *client) {
		if !c.closed || c.timeoutLocked.Load() {
			return
		}
		s.log.Debugf("Removing camera client %v", id)
		if c.passive != nil {
			c.passive.Close()
			c.passive = nil
		}
		s.clients.Release(id)
	})
}

func (s *Server) closeClient(c *client) {
	if c.closed {
		return
	}
	c.conn.Close()
	c.closed = true
}

func (s *Server) send(c *client, msg string) {
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		s.log.Warnf("Failed to send reply to camera: %v", err)
		s.closeClient(c)
	}
}

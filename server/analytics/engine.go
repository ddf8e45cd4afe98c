// Package analytics is the client side of the object-detection service.
// One TCP connection per event: the engine opens it when an event
// starts, streams each footage file as it lands, and persists the XML
// detection results that come back.
//
// The engine runs its own goroutine with its own database connection.
// AddEvent, EndEvent and AddFootage are queue-backed and safe to call
// from anywhere; everything else belongs to the engine goroutine.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/pkg/slots"
	"github.com/viqsec/sentry/pkg/workpool"
	"github.com/viqsec/sentry/server/storage"
)

const tickInterval = 100 * time.Millisecond

// Notifier receives the user-alert callbacks that person detections
// trigger.
type Notifier interface {
	Notify(query string)
}

type sessionState int

const (
	stateConnecting sessionState = iota
	stateConnected               // dialed, waiting for the server greeting
	stateReady                   // handshake sent, streaming allowed
)

type frameRef struct {
	footageID int64
	name      string
}

// session is one analytics connection for one event.
type session struct {
	eventID   int64
	cameraID  int64
	threshold uint8
	path      string

	state    sessionState
	conn     net.Conn
	connCh   chan net.Conn
	clientID uint32
	rbuf     []byte

	queue []frameRef
	// Person found above threshold: stop streaming, drop the rest.
	done bool
	// Event ended while frames were still queued: flush them, then
	// release.
	draining bool
	// False while a send task on the worker pool owns the connection.
	// Only one frame per connection may be in flight, because the
	// analytics child processes them strictly one at a time.
	// Heap allocated and replaced on every openSession: a send task can
	// outlive its session (eg the connection dies mid-upload), and its
	// final Store must land on this detached flag, never on a session
	// that reused the slot.
	uploadPermitted *atomic.Bool
}

type cmdKind int

const (
	cmdAddEvent cmdKind = iota
	cmdEndEvent
	cmdAddFootage
)

type command struct {
	kind      cmdKind
	eventID   int64
	cameraID  int64
	threshold uint8
	path      string
	footageID int64
	name      string
}

type Engine struct {
	log            logs.Log
	storage        *storage.Storage
	pool           *workpool.Pool
	notifier       Notifier
	serverAddr     string
	connectTimeout time.Duration

	sessions slots.Table[session]
	byEvent  map[int64]slots.ID

	cmdLock  sync.Mutex
	cmdQueue []command
}

func NewEngine(log logs.Log, st *storage.Storage, pool *workpool.Pool, notifier Notifier, host string, port int, connectTimeout time.Duration) *Engine {
	return &Engine{
		log:            log,
		storage:        st,
		pool:           pool,
		notifier:       notifier,
		serverAddr:     fmt.Sprintf("%v:%v", host, port),
		connectTimeout: connectTimeout,
		byEvent:        map[int64]slots.ID{},
	}
}

// AddEvent opens an analytics session for a freshly started event.
// Safe from any goroutine.
func (e *Engine) AddEvent(eventID, cameraID int64, personThreshold uint8, footagePath string) {
	e.enqueue(command{kind: cmdAddEvent, eventID: eventID, cameraID: cameraID, threshold: personThreshold, path: footagePath})
}

// EndEvent closes the session for an event. If frames are still queued
// they are flushed first; new footage for the event is dropped.
func (e *Engine) EndEvent(eventID int64) {
	e.enqueue(command{kind: cmdEndEvent, eventID: eventID})
}

// AddFootage queues one stored footage file for analysis. Safe from any
// goroutine.
func (e *Engine) AddFootage(eventID, footageID int64, name string) {
	e.enqueue(command{kind: cmdAddFootage, eventID: eventID, footageID: footageID, name: name})
}

func (e *Engine) enqueue(c command) {
	e.cmdLock.Lock()
	e.cmdQueue = append(e.cmdQueue, c)
	e.cmdLock.Unlock()
}

// Run drives the engine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.log.Infof("Analytics engine started (server %v)", e.serverAddr)
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			e.log.Infof("Analytics engine stopped")
			return
		case <-time.After(tickInterval):
		}
		e.drainCommands()
		e.tickSessions()
	}
}

func (e *Engine) shutdown() {
	e.cmdLock.Lock()
	if n := len(e.cmdQueue); n > 0 {
		e.log.Warnf("Analytics engine stopping with %v queued commands", n)
	}
	e.cmdLock.Unlock()
	e.sessions.ForEach(func(id slots.ID, s *session) {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

func (e *Engine) drainCommands() {
	e.cmdLock.Lock()
	local := e.cmdQueue
	e.cmdQueue = nil
	e.cmdLock.Unlock()

	for _, c := range local {
		switch c.kind {
		case cmdAddEvent:
			e.openSession(c)
		case cmdEndEvent:
			e.endSession(c.eventID)
		case cmdAddFootage:
			e.queueFootage(c)
		}
	}
}

func (e *Engine) openSession(c command) {
	e.log.Infof("Analytics session opening (event %v, camera %v, threshold %v, path '%v')", c.eventID, c.cameraID, c.threshold, c.path)

	id, s := e.sessions.Alloc()
	s.eventID = c.eventID
	s.cameraID = c.cameraID
	s.threshold = c.threshold
	s.path = c.path
	s.state = stateConnecting
	s.connCh = make(chan net.Conn, 1)
	s.uploadPermitted = &atomic.Bool{}
	s.uploadPermitted.Store(true)
	e.byEvent[c.eventID] = id

	addr := e.serverAddr
	timeout := e.connectTimeout
	connCh := s.connCh
	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			e.log.Errorf("Analytics connect to %v failed: %v", addr, err)
			connCh <- nil
			return
		}
		connCh <- conn
	}()
}

func (e *Engine) endSession(eventID int64) {
	id, ok := e.byEvent[eventID]
	if !ok {
		e.log.Errorf("Analytics session can't end (event %v not found)", eventID)
		return
	}
	s := e.sessions.Get(id)
	if !s.done && len(s.queue) > 0 {
		e.log.Infof("Analytics session %v (event %v) still holds %v queued frames, draining", id, eventID, len(s.queue))
		s.draining = true
		return
	}
	e.log.Infof("Analytics session %v (event %v) ended", id, eventID)
	e.release(id, s)
}

func (e *Engine) queueFootage(c command) {
	id, ok := e.byEvent[c.eventID]
	if !ok {
		e.log.Errorf("Analytics has no session for event %v, can't process footage %v", c.eventID, c.footageID)
		return
	}
	s := e.sessions.Get(id)
	// After a person was found the remaining footage of the event is
	// not interesting; a draining session takes no new frames either.
	if s.done || s.draining {
		return
	}
	s.queue = append(s.queue, frameRef{footageID: c.footageID, name: c.name})
}

func (e *Engine) release(id slots.ID, s *session) {
	if s.conn != nil {
		s.conn.Close()
	}
	delete(e.byEvent, s.eventID)
	e.sessions.Release(id)
}

func (e *Engine) tickSessions() {
	e.sessions.ForEach(func(id slots.ID, s *session) {
		if s.state == stateConnecting {
			select {
			case conn := <-s.connCh:
				if conn == nil {
					e.release(id, s)
					return
				}
				s.conn = conn
				s.state = stateConnected
				e.log.Infof("Analytics session %v connected (event %v)", id, s.eventID)
			default:
				return // still dialing
			}
		}

		if !e.readAvailable(id, s) {
			return // session released
		}

		if s.state == stateConnected {
			e.tryHandshake(id, s)
		}
		if s.state == stateReady {
			e.parseResults(id, s)
			e.pumpQueue(id, s)
		}

		if s.draining && len(s.queue) == 0 && s.uploadPermitted.Load() {
			e.log.Infof("Analytics session %v (event %v) drained, ending", id, s.eventID)
			e.release(id, s)
		}
	})
}

// readAvailable moves whatever the server has sent into the session
// buffer. Returns false if the session died.
func (e *Engine) readAvailable(id slots.ID, s *session) bool {
	buf := make([]byte, 4096)
	s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	n, err := s.conn.Read(buf)
	if n > 0 {
		s.rbuf = append(s.rbuf, buf[:n]...)
	}
	if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
		e.log.Errorf("Analytics session %v (event %v) read failed: %v", id, s.eventID, err)
		e.release(id, s)
		return false
	}
	return true
}

// tryHandshake consumes the server greeting and answers with the
// session-open message.
func (e *Engine) tryHandshake(id slots.ID, s *session) {
	if len(s.rbuf) < greetingSize {
		return
	}
	g, err := decodeGreeting(s.rbuf)
	if err != nil {
		e.log.Errorf("Analytics session %v bad greeting: %v", id, err)
		e.release(id, s)
		return
	}
	s.rbuf = s.rbuf[greetingSize:]
	s.clientID = g.ClientID
	e.log.Debugf("Analytics session %v handshake (client id %v, protocol version %v)", id, g.ClientID, g.Version)

	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := s.conn.Write(encodeHandshake(s.clientID, s.eventID, s.threshold)); err != nil {
		e.log.Errorf("Analytics session %v handshake send failed: %v", id, err)
		e.release(id, s)
		return
	}
	s.state = stateReady
}

// parseResults pulls complete result frames out of the session buffer.
func (e *Engine) parseResults(id slots.ID, s *session) {
	for {
		xml, consumed, err := nextResult(s.rbuf)
		if err != nil {
			e.log.Errorf("Analytics session %v (event %v) stream corrupt: %v", id, s.eventID, err)
			e.release(id, s)
			return
		}
		if consumed == 0 {
			return
		}
		payload := append([]byte{}, xml...)
		s.rbuf = s.rbuf[consumed:]
		e.handleResult(s, payload)
	}
}

// pumpQueue sends the next queued frame if the connection is idle.
func (e *Engine) pumpQueue(id slots.ID, s *session) {
	if s.done || len(s.queue) == 0 {
		return
	}
	if !s.uploadPermitted.Load() {
		e.log.Debugf("Footage send delayed, still analyzing previous frame (event %v)", s.eventID)
		return
	}
	frame := s.queue[0]
	s.queue = s.queue[1:]
	e.log.Debugf("Analyzing footage (event %v, footage %v): %v", s.eventID, frame.footageID, frame.name)

	s.uploadPermitted.Store(false)
	conn := s.conn
	path := s.path
	permitted := s.uploadPermitted
	e.pool.Submit(func() {
		e.sendFootage(conn, path, frame)
		permitted.Store(true)
	})
}

// sendFootage runs on the worker pool: read the file from disk and
// stream it down the analytics connection.
func (e *Engine) sendFootage(conn net.Conn, path string, frame frameRef) {
	data, err := os.ReadFile(filepath.Join(path, frame.name))
	if err != nil {
		e.log.Errorf("Failed to read footage for analysis: %v", err)
		return
	}
	if len(data) == 0 {
		e.log.Errorf("No data in footage file '%v'", frame.name)
		return
	}
	conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := conn.Write(encodeFrameHeader(frame.footageID, len(data))); err != nil {
		e.log.Errorf("Failed to send frame header for footage %v: %v", frame.footageID, err)
		return
	}
	if _, err := conn.Write(data); err != nil {
		e.log.Errorf("Failed to send frame payload for footage %v: %v", frame.footageID, err)
	}
}

// Package control is the arm/disarm API. It listens on raw TCP, picks
// the GET line out of whatever the client sends (browsers and curl both
// work), applies the request and closes the connection.
//
//	GET /arm?camid=4
//	GET /disarm?siteid=12
//	GET /arm?camid=4&camid=7&siteid=12
package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/pkg/slots"
	"github.com/viqsec/sentry/server/events"
	"github.com/viqsec/sentry/server/storage"
)

const clientTimeout = 10 * time.Second

type client struct {
	conn       net.Conn
	lastActive time.Time
	closed     bool
}

type Server struct {
	log     logs.Log
	storage *storage.Storage
	events  *events.Manager

	listener *net.TCPListener
	clients  slots.Table[client]
	readBuf  [1024]byte
}

func NewServer(log logs.Log, st *storage.Storage, ev *events.Manager) *Server {
	return &Server{
		log:     log,
		storage: st,
		events:  ev,
	}
}

func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%v", port))
	if err != nil {
		return fmt.Errorf("Failed to start control server on port %v: %w", port, err)
	}
	s.listener = ln.(*net.TCPListener)
	s.log.Infof("Control server started (port %v)", s.Addr().Port)
	return nil
}

func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.clients.ForEach(func(id slots.ID, c *client) {
		if !c.closed {
			c.conn.Close()
			c.closed = true
		}
	})
}

// Tick accepts, services and times out control clients. One request per
// connection; the connection closes as soon as it is handled.
func (s *Server) Tick() {
	s.listener.SetDeadline(time.Now().Add(time.Millisecond))
	if conn, err := s.listener.Accept(); err == nil {
		s.log.Infof("Control connection from %v", conn.RemoteAddr())
		_, c := s.clients.Alloc()
		c.conn = conn
		c.lastActive = time.Now()
	}

	now := time.Now()
	s.clients.ForEach(func(id slots.ID, c *client) {
		if c.closed {
			s.clients.Release(id)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, err := c.conn.Read(s.readBuf[:])
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			c.conn.Close()
			c.closed = true
			return
		}
		if n > 0 {
			if path, ok := requestPath(string(s.readBuf[:n])); ok {
				s.handleRequest(path)
			}
			// One request per connection, handled or not.
			c.conn.Close()
			c.closed = true
			return
		}
		if now.Sub(c.lastActive) > clientTimeout {
			s.log.Warnf("Control client timeout")
			c.conn.Close()
			c.closed = true
		}
	})
}

// requestPath extracts the path of the GET line from a raw request.
func requestPath(raw string) (string, bool) {
	for _, line := range strings.Split(raw, "\r\n") {
		if !strings.HasPrefix(line, "GET ") {
			continue
		}
		path := line[4:]
		// Drop the trailing " HTTP/1.1"
		if sp := strings.IndexByte(path, ' '); sp >= 0 {
			path = path[:sp]
		}
		return path, true
	}
	return "", false
}

func (s *Server) handleRequest(path string) {
	switch {
	case strings.HasPrefix(path, "/arm?"):
		s.log.Infof("Received ARM request: %v", path)
		s.applyArmState(path[len("/arm?"):], true)
	case strings.HasPrefix(path, "/disarm?"):
		s.log.Infof("Received DISARM request: %v", path)
		s.applyArmState(path[len("/disarm?"):], false)
	default:
		s.log.Warnf("Received unknown control request: \"%v\"", path)
	}
}

// applyArmState processes the query string. camid and siteid may both
// repeat; each parameter is applied independently.
func (s *Server) applyArmState(query string, armed bool) {
	for _, param := range strings.Split(query, "&") {
		key, value, found := strings.Cut(param, "=")
		if !found {
			continue
		}
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id == 0 {
			s.log.Errorf("Bad id in control parameter %v=%v", key, value)
			continue
		}
		switch key {
		case "camid":
			s.armCamera(id, armed)
		case "siteid":
			s.armSite(id, armed)
		default:
			s.log.Errorf("Can't process arm/disarm request (unknown key %v)", key)
		}
	}
}

func (s *Server) armSite(siteID int64, armed bool) {
	cameras, err := s.storage.CamerasBySite(siteID)
	if err != nil {
		s.log.Errorf("Failed to get cameras for site %v: %v", siteID, err)
		return
	}
	if len(cameras) == 0 {
		s.log.Warnf("Site %v contains no cameras", siteID)
		return
	}
	if err := s.storage.SetSiteArmed(siteID, armed); err != nil {
		s.log.Errorf("Failed to set armed state of site %v: %v", siteID, err)
		return
	}
	for _, cameraID := range cameras {
		s.armCamera(cameraID, armed)
	}
}

func (s *Server) armCamera(cameraID int64, armed bool) {
	username, password, alreadyArmed, err := s.storage.CameraCredentials(cameraID)
	if err != nil {
		s.log.Warnf("Can't change armed state: %v", err)
		return
	}
	if armed == alreadyArmed {
		if armed {
			s.log.Warnf("Camera %v is already armed", cameraID)
		} else {
			s.log.Warnf("Camera %v is already disarmed", cameraID)
		}
		return
	}
	if err := s.storage.SetCameraArmed(cameraID, armed); err != nil {
		s.log.Errorf("Failed to set armed state of camera %v: %v", cameraID, err)
		return
	}
	// A live event session must pick up the change immediately, not on
	// its next authentication.
	if sessionID, ok := s.events.FindSession(username + ":" + password); ok {
		s.events.SetArmed(sessionID, armed)
	}
}

package ingest

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/viqsec/sentry/pkg/slots"
)

// withSeq inserts the per-session footage sequence number before the
// file extension, so files that cameras re-upload under the same name
// within one event stay distinct and sort in arrival order.
func withSeq(filename string, seq uint32) string {
	suffix := fmt.Sprintf("_%v", seq)
	if dot := strings.LastIndex(filename, "."); dot >= 0 {
		return filename[:dot] + suffix + filename[dot:]
	}
	return filename + suffix
}

// downloadActive runs on the worker pool: dial the camera's advertised
// data address and pull the file.
func (s *Server) downloadActive(c *client, sessionID slots.ID, eventID int64, seq uint32, dir, filename, addr string) {
	defer c.timeoutLocked.Store(false)
	defer s.events.TimeoutUnlock(sessionID)

	s.log.Infof("Connecting active data socket (%v)", addr)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		s.log.Errorf("Failed to connect the active data socket %v: %v", addr, err)
		return
	}
	defer conn.Close()

	s.saveFootage(conn, eventID, seq, dir, filename)
}

// downloadPassive runs on the worker pool: wait (bounded) for the
// camera to connect to our passive listener and pull the file.
func (s *Server) downloadPassive(c *client, sessionID slots.ID, eventID int64, seq uint32, dir, filename string, listener *net.TCPListener) {
	defer c.timeoutLocked.Store(false)
	defer s.events.TimeoutUnlock(sessionID)

	if listener == nil {
		s.log.Errorf("STOR without a preceding PASV/PORT, dropping '%v'", filename)
		return
	}
	listener.SetDeadline(time.Now().Add(s.passiveTimeout))
	conn, err := listener.Accept()
	if err != nil {
		s.log.Errorf("Passive data connection failed (timeout %v): %v", s.passiveTimeout, err)
		return
	}
	defer conn.Close()

	s.saveFootage(conn, eventID, seq, dir, filename)
}

// saveFootage drains the data connection to disk and queues the footage
// notice for the main loop.
func (s *Server) saveFootage(conn net.Conn, eventID int64, seq uint32, dir, filename string) {
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	data, err := io.ReadAll(conn)
	if err != nil {
		s.log.Errorf("Failed to read footage '%v': %v", filename, err)
		return
	}

	filename = withSeq(filename, seq)

	if err := os.WriteFile(filepath.Join(dir, filename), data, 0644); err != nil {
		s.log.Errorf("Failed to write '%v' (path '%v'): %v", filename, dir, err)
		return
	}
	s.log.Infof("File ready (%v bytes)", len(data))

	if parsed, ok := ParseFootageName(filename); ok {
		s.events.AddFootageNotice(eventID, filename, parsed.Timestamp, parsed.Milliseconds)
	} else {
		// Some cameras (Mobotix) send names with no timestamp in them,
		// so use the server clock.
		ts, ms := localTimestamp(time.Now())
		s.events.AddFootageNotice(eventID, filename, ts, ms)
	}
}

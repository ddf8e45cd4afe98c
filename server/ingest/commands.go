package ingest

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/viqsec/sentry/pkg/slots"
)

// handleCommand dispatches one control-channel command. Reply codes are
// tuned to what real cameras tolerate, which is not always what RFC 959
// would suggest.
func (s *Server) handleCommand(id slots.ID, c *client, line []byte) {
	verb, arg, _ := strings.Cut(strings.TrimRight(string(line), "\r\n "), " ")
	s.log.Debugf("FTP command: %v", verb)

	switch verb {
	case "AUTH":
		// Permanent negative reply, or TLS-capable cameras retry forever.
		s.send(c, "502 \r\n")

	case "USER":
		c.username = arg
		s.send(c, "331 Password required \r\n")

	case "PASS":
		s.handlePass(id, c, arg)

	case "TYPE":
		switch {
		case strings.HasPrefix(arg, "I"):
			s.send(c, "200 \r\n")
		case strings.HasPrefix(arg, "A"):
			s.log.Warnf("Camera is using unsupported ASCII data type (allowing to continue)")
			s.send(c, "200 \r\n")
		default:
			s.log.Errorf("Unknown camera data type '%v'", arg)
			s.send(c, "500 Unknown data type. \r\n")
			s.closeClient(c)
		}

	case "PWD":
		s.send(c, "257 \"/\" is current directory. \r\n")

	case "CWD":
		// Cameras send their configured remote path; we place files
		// ourselves, so just acknowledge.
		s.send(c, "250 \r\n")

	case "PASV":
		s.handlePasv(c)

	case "PORT":
		s.handlePort(c, arg)

	case "STOR":
		s.handleStor(id, c, arg)

	case "QUIT":
		s.send(c, "221 \r\n")
		s.closeClient(c)

	case "NOOP":
		s.send(c, "200 \r\n")

	case "MODE":
		// Panasonic BL-C140 sends this. Only stream mode is supported.
		if !strings.HasPrefix(arg, "S") {
			s.log.Errorf("FTP transfer mode %v is not supported", arg)
			s.send(c, "504 \r\n")
			return
		}
		s.send(c, "200 \r\n")

	case "STRU":
		if !strings.HasPrefix(arg, "F") {
			s.log.Errorf("FTP file structure %v is not supported", arg)
			s.send(c, "504 \r\n")
			return
		}
		s.send(c, "200 \r\n")

	case "DELE":
		// Panasonic "Overwrite File" housekeeping. We keep every file,
		// so pretend it worked.
		s.log.Infof("DELE content: %v", arg)
		s.send(c, "250 \r\n")

	case "RNFR":
		s.log.Infof("RNFR content: %v", arg)
		s.send(c, "350 \r\n")

	case "RNTO":
		s.log.Infof("RNTO content: %v", arg)
		s.send(c, "250 \r\n")

	case "SYST", "FEAT", "LIST":
		s.send(c, "501 \r\n")

	case "ABOR":
		// Nothing to abort; 226 tells the camera the transfer ended.
		s.send(c, "226 \r\n")

	default:
		s.log.Errorf("Unknown FTP command: \"%v\"", verb)
	}
}

// handlePass authenticates the connection and binds it to an event
// session. Credential checks hit the database once per event session,
// not once per connection.
func (s *Server) handlePass(id slots.ID, c *client, password string) {
	key := c.username + ":" + password

	sessionID, exists := s.events.FindSession(key)
	if !exists {
		sessionID = s.events.AddSession(key)
		c.sessionID = sessionID

		auth, err := s.storage.AuthenticateCamera(c.username, password)
		if err != nil {
			s.log.Errorf("Failed to authenticate FTP user \"%v\": %v", c.username, err)
			// No 530 here. Hikvision floods us with retries on any
			// negative reply, so just drop the connection and let the
			// dead session time out.
			s.closeClient(c)
			return
		}
		if !auth.IsArmed {
			s.log.Warnf("Camera (id %v), user \"%v\" is not armed", auth.CameraID, c.username)
			s.closeClient(c)
			return
		}
		eventID, err := s.events.Authenticate(sessionID, auth)
		if err != nil {
			s.log.Errorf("Failed to open event for user \"%v\": %v", c.username, err)
			s.closeClient(c)
			return
		}
		s.log.Infof("New validated event session (event %v, session %v)", eventID, sessionID)
	} else {
		if !s.events.IsArmed(sessionID) {
			s.log.Debugf("Event session %v is disarmed, ignoring", sessionID)
			// Deliberately no reply and no close: closing makes the
			// camera reconnect instantly, silence lets the session
			// time out in peace.
			return
		}
		s.events.Touch(sessionID)
		c.sessionID = sessionID
		s.log.Debugf("Using the existing event session %v", sessionID)
	}

	s.send(c, "230 \r\n")
}

// handlePasv opens (or reuses) the per-connection passive data listener
// and advertises it. Cameras on the same connection reuse one listener
// for multiple files.
func (s *Server) handlePasv(c *client) {
	c.mode = modePassive
	if c.passive == nil {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			s.log.Errorf("Failed to open passive data listener: %v", err)
			return
		}
		c.passive = ln.(*net.TCPListener)
	}

	// The advertised address must be the real interface address of the
	// control connection; Panasonic BL-C140 refuses 127.0.0.1.
	ip := net.IPv4(127, 0, 0, 1).To4()
	if local, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		if v4 := local.IP.To4(); v4 != nil {
			ip = v4
		}
	}
	port := c.passive.Addr().(*net.TCPAddr).Port
	s.log.Debugf("PASV data listener at %v.%v.%v.%v:%v", ip[0], ip[1], ip[2], ip[3], port)
	s.send(c, fmt.Sprintf("227 Entering Passive Mode (%d,%d,%d,%d,%d,%d) \r\n",
		ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff))
}

// handlePort records the camera's active-mode data address.
// Wire format is "h1,h2,h3,h4,p1,p2" with port = p1*256 + p2.
func (s *Server) handlePort(c *client, arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.send(c, "501 \r\n")
		return
	}
	octets := [6]int{}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 255 {
			s.send(c, "501 \r\n")
			return
		}
		octets[i] = v
	}
	c.mode = modeActive
	c.activeAddr = fmt.Sprintf("%d.%d.%d.%d:%d",
		octets[0], octets[1], octets[2], octets[3], octets[4]*256+octets[5])
	s.log.Debugf("PORT (active connection) address: %v", c.activeAddr)
	s.send(c, "200 \r\n")
}

// handleStor queues the data transfer for the named file on the worker
// pool. The 226 goes out while the transfer may still be running; every
// camera we tested is fine with that.
func (s *Server) handleStor(id slots.ID, c *client, filename string) {
	s.send(c, "150 \r\n")

	eventID := s.events.EventID(c.sessionID)
	if eventID == 0 {
		s.log.Errorf("Ignoring footage upload for an invalidated event session %v", c.sessionID)
	} else {
		s.events.Touch(c.sessionID)
		s.events.TimeoutLock(c.sessionID)
		c.timeoutLocked.Store(true)

		dir := s.events.FootagePath(c.sessionID)
		seq := s.events.NextFootageSeq(c.sessionID)
		sessionID := c.sessionID

		if c.mode == modeActive {
			addr := c.activeAddr
			s.pool.Submit(func() {
				s.downloadActive(c, sessionID, eventID, seq, dir, filename, addr)
			})
		} else {
			passive := c.passive
			s.pool.Submit(func() {
				s.downloadPassive(c, sessionID, eventID, seq, dir, filename, passive)
			})
		}
	}

	s.send(c, "226 Transfer completed \r\n")
}

// Package events tracks event sessions: the correlation between a
// camera's FTP credentials and an open database event. A session can
// span multiple camera TCP connections, because cameras reconnect for
// every file they push.
package events

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/viqsec/sentry/pkg/slots"
	"github.com/viqsec/sentry/server/storage"
)

// Analytics is the slice of the analytics engine that we drive.
// Every method is queue-backed and safe to call from any goroutine.
type Analytics interface {
	AddEvent(eventID, cameraID int64, personThreshold uint8, footagePath string)
	EndEvent(eventID int64)
	AddFootage(eventID, footageID int64, name string)
}

// Session state lives in a slot row. Most fields belong to the main
// loop; TimeoutLocked is the exception and is flipped by worker threads
// while a footage download is in flight.
type session struct {
	Key           string // username + ":" + password
	LastActive    time.Time
	UserID        int64
	SiteID        int64
	CameraID      int64
	EventID       int64 // 0 until authenticated
	FootageSeq    uint32
	FootagePath   string
	IsArmed       bool
	TimeoutLocked atomic.Bool
}

type footageNotice struct {
	eventID     int64
	name        string
	timestamp   string
	timestampMs uint16
}

// Manager owns the event session table. All methods except
// AddFootageNotice, TimeoutLock and TimeoutUnlock must be called from
// the main loop.
type Manager struct {
	log         logs.Log
	storage     *storage.Storage
	analytics   Analytics
	timeout     time.Duration
	footageRoot string

	sessions slots.Table[session]
	byKey    map[string]slots.ID

	footageLock  sync.Mutex
	footageQueue []footageNotice
}

func NewManager(log logs.Log, st *storage.Storage, analytics Analytics, sessionTimeout time.Duration, footageRoot string) *Manager {
	return &Manager{
		log:         log,
		storage:     st,
		analytics:   analytics,
		timeout:     sessionTimeout,
		footageRoot: footageRoot,
		byKey:       map[string]slots.ID{},
	}
}

// FindSession returns the live session for a credentials key, if any.
func (m *Manager) FindSession(key string) (slots.ID, bool) {
	id, ok := m.byKey[key]
	return id, ok
}

// AddSession creates an unauthenticated session for a credentials key.
// Sessions that never authenticate are reaped by TickTimeouts.
func (m *Manager) AddSession(key string) slots.ID {
	id, s := m.sessions.Alloc()
	s.Key = key
	s.LastActive = time.Now()
	m.byKey[key] = id
	return id
}

// Authenticate binds a session to a camera, opens the database event and
// registers it with the analytics engine. Returns the new event id.
func (m *Manager) Authenticate(id slots.ID, auth *storage.CameraAuth) (int64, error) {
	s := m.sessions.Get(id)
	if s == nil {
		return 0, fmt.Errorf("authenticate on dead event session %v", id)
	}
	eventID, err := m.storage.EventStart(auth.UserID, auth.SiteID, auth.CameraID)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(m.footageRoot,
		fmt.Sprintf("%v", auth.UserID),
		fmt.Sprintf("%v", eventID),
		fmt.Sprintf("%v", auth.SiteID),
		fmt.Sprintf("%v", auth.CameraID))
	if err := os.MkdirAll(path, 0755); err != nil {
		return 0, fmt.Errorf("Failed to create footage path '%v': %w", path, err)
	}
	s.UserID = auth.UserID
	s.SiteID = auth.SiteID
	s.CameraID = auth.CameraID
	s.EventID = eventID
	s.FootagePath = path
	s.IsArmed = auth.IsArmed
	s.LastActive = time.Now()
	m.analytics.AddEvent(eventID, auth.CameraID, auth.PersonThreshold, path)
	return eventID, nil
}

// Touch resets the idle timer of a session.
func (m *Manager) Touch(id slots.ID) {
	if s := m.sessions.Get(id); s != nil {
		s.LastActive = time.Now()
	}
}

// TimeoutLock prevents the session from timing out while a footage
// download is queued or in flight. Safe from worker threads.
func (m *Manager) TimeoutLock(id slots.ID) {
	if s := m.sessions.Get(id); s != nil {
		s.TimeoutLocked.Store(true)
	}
}

// TimeoutUnlock re-enables timeouts for the session.
func (m *Manager) TimeoutUnlock(id slots.ID) {
	if s := m.sessions.Get(id); s != nil {
		s.TimeoutLocked.Store(false)
	}
}

// EventID returns the database event bound to the session, or 0 for a
// session that is not authenticated (or already timed out).
func (m *Manager) EventID(id slots.ID) int64 {
	if s := m.sessions.Get(id); s != nil {
		return s.EventID
	}
	return 0
}

func (m *Manager) CameraID(id slots.ID) int64 {
	if s := m.sessions.Get(id); s != nil {
		return s.CameraID
	}
	return 0
}

func (m *Manager) IsArmed(id slots.ID) bool {
	if s := m.sessions.Get(id); s != nil {
		return s.IsArmed
	}
	return false
}

// SetArmed pushes an arm/disarm change into a live session, so the
// control API takes effect without waiting for the session to expire.
func (m *Manager) SetArmed(id slots.ID, armed bool) {
	if s := m.sessions.Get(id); s != nil {
		s.IsArmed = armed
	}
}

func (m *Manager) FootagePath(id slots.ID) string {
	if s := m.sessions.Get(id); s != nil {
		return s.FootagePath
	}
	return ""
}

// NextFootageSeq returns the per-session footage counter and increments
// it. The counter disambiguates files that cameras upload under the
// same name within one event.
func (m *Manager) NextFootageSeq(id slots.ID) uint32 {
	if s := m.sessions.Get(id); s != nil {
		seq := s.FootageSeq
		s.FootageSeq++
		return seq
	}
	return 0
}

// AddFootageNotice queues a completed footage download for database
// insertion. Safe from worker threads. The event session may time out
// before the notice is drained; the footage row is still written,
// because the file is already on disk.
func (m *Manager) AddFootageNotice(eventID int64, name, timestamp string, timestampMs uint16) {
	m.log.Debugf("AddFootageNotice - event %v (%v) - %v:%03d", eventID, name, timestamp, timestampMs)
	m.footageLock.Lock()
	m.footageQueue = append(m.footageQueue, footageNotice{
		eventID:     eventID,
		name:        name,
		timestamp:   timestamp,
		timestampMs: timestampMs,
	})
	m.footageLock.Unlock()
}

// TickTimeouts ends and releases sessions that have been idle for the
// configured period. Timeout-locked sessions get their idle timer reset
// instead, so they can't expire the instant they unlock.
func (m *Manager) TickTimeouts() {
	now := time.Now()
	m.sessions.ForEach(func(id slots.ID, s *session) {
		if s.TimeoutLocked.Load() {
			s.LastActive = now
			return
		}
		if now.Sub(s.LastActive) < m.timeout {
			return
		}
		m.log.Infof("Event session timeout (event %v, session %v)", s.EventID, id)
		// EventID is 0 for a connection that never authenticated.
		if s.EventID != 0 {
			if err := m.storage.EventEnd(s.EventID); err != nil {
				m.log.Errorf("Failed to write event end for event %v: %v", s.EventID, err)
			}
			m.analytics.EndEvent(s.EventID)
		}
		delete(m.byKey, s.Key)
		m.sessions.Release(id)
	})
}

// TickFootageNotices drains the footage queue into the database, one
// insert per notice so that each generated footage id can be forwarded
// to the analytics engine.
func (m *Manager) TickFootageNotices() {
	m.footageLock.Lock()
	if len(m.footageQueue) == 0 {
		m.footageLock.Unlock()
		return
	}
	local := m.footageQueue
	m.footageQueue = nil
	m.footageLock.Unlock()

	for _, n := range local {
		footageID, err := m.storage.AddFootage(n.eventID, n.name, n.timestamp, n.timestampMs)
		if err != nil {
			m.log.Errorf("Failed to insert footage '%v' for event %v: %v", n.name, n.eventID, err)
			continue
		}
		m.analytics.AddFootage(n.eventID, footageID, n.name)
	}
}

// SessionCount returns the number of live event sessions.
func (m *Manager) SessionCount() int {
	return m.sessions.Len()
}

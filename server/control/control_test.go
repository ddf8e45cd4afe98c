package control

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
	"github.com/viqsec/sentry/server/events"
	"github.com/viqsec/sentry/server/storage"
)

type nopAnalytics struct{}

func (nopAnalytics) AddEvent(eventID, cameraID int64, personThreshold uint8, footagePath string) {}
func (nopAnalytics) EndEvent(eventID int64)                                                      {}
func (nopAnalytics) AddFootage(eventID, footageID int64, name string)                            {}

type testEnv struct {
	server  *Server
	events  *events.Manager
	storage *storage.Storage
}

func startEnv(t *testing.T) *testEnv {
	log := logs.NewTestingLog(t)
	st, err := storage.Open(log, dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "test.sqlite")))
	require.NoError(t, err)

	// One site with two armed cameras
	require.NoError(t, st.DB.Create(&storage.User{IsActive: true}).Error)
	require.NoError(t, st.DB.Create(&storage.Site{UserID: 1, IsArmed: true}).Error)
	require.NoError(t, st.DB.Create(&storage.Camera{SiteID: 1, IsArmed: true}).Error)
	require.NoError(t, st.DB.Create(&storage.Camera{SiteID: 1, IsArmed: true}).Error)
	require.NoError(t, st.DB.Create(&storage.CameraFTP{CameraID: 1, Username: "cam1", Password: "pw1"}).Error)
	require.NoError(t, st.DB.Create(&storage.CameraFTP{CameraID: 2, Username: "cam2", Password: "pw2"}).Error)

	ev := events.NewManager(log, st, nopAnalytics{}, time.Hour, t.TempDir())
	server := NewServer(log, st, ev)
	require.NoError(t, server.Start(0))

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			server.Tick()
			time.Sleep(2 * time.Millisecond)
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
		server.Close()
	})

	return &testEnv{server: server, events: ev, storage: st}
}

// request sends one raw HTTP-ish GET and waits for the server to close
// the connection.
func request(t *testing.T, e *testEnv, path string) {
	conn, err := net.Dial("tcp", e.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET " + path + " HTTP/1.1\r\nHost: test\r\n\r\n"))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err) // closed without a reply
}

func cameraArmed(t *testing.T, e *testEnv, id int64) bool {
	cam := storage.Camera{}
	require.NoError(t, e.storage.DB.First(&cam, id).Error)
	return cam.IsArmed
}

func TestDisarmSiteCascades(t *testing.T) {
	e := startEnv(t)

	// A live event session for camera 1 must see the change immediately
	sessionID := e.events.AddSession("cam1:pw1")
	_, err := e.events.Authenticate(sessionID, &storage.CameraAuth{UserID: 1, SiteID: 1, CameraID: 1, IsArmed: true})
	require.NoError(t, err)
	require.True(t, e.events.IsArmed(sessionID))

	request(t, e, "/disarm?siteid=1")

	require.Eventually(t, func() bool {
		return !cameraArmed(t, e, 1) && !cameraArmed(t, e, 2)
	}, 5*time.Second, 10*time.Millisecond)

	site := storage.Site{}
	require.NoError(t, e.storage.DB.First(&site, 1).Error)
	require.False(t, site.IsArmed)
	require.False(t, e.events.IsArmed(sessionID))
}

func TestArmSingleCamera(t *testing.T) {
	e := startEnv(t)
	require.NoError(t, e.storage.DB.Exec("UPDATE camera SET is_armed = 0").Error)

	request(t, e, "/arm?camid=2")

	require.Eventually(t, func() bool {
		return cameraArmed(t, e, 2)
	}, 5*time.Second, 10*time.Millisecond)
	require.False(t, cameraArmed(t, e, 1))
}

func TestMixedParams(t *testing.T) {
	e := startEnv(t)

	request(t, e, "/disarm?camid=1&camid=2&siteid=1")

	require.Eventually(t, func() bool {
		site := storage.Site{}
		if e.storage.DB.First(&site, 1).Error != nil {
			return false
		}
		return !site.IsArmed && !cameraArmed(t, e, 1) && !cameraArmed(t, e, 2)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnknownRequestIgnored(t *testing.T) {
	e := startEnv(t)

	request(t, e, "/reboot?camid=1")

	// Nothing changed
	require.True(t, cameraArmed(t, e, 1))
	require.True(t, cameraArmed(t, e, 2))
}

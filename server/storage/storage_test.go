package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func openTestStorage(t *testing.T) *Storage {
	st, err := Open(logs.NewTestingLog(t), dbh.MakeSqliteConfig(filepath.Join(t.TempDir(), "test.sqlite")))
	require.NoError(t, err)
	return st
}

// seedCamera creates user 1 / site 1 / camera 1 with FTP credentials.
func seedCamera(t *testing.T, st *Storage, armed bool) {
	require.NoError(t, st.DB.Create(&User{IsActive: true}).Error)
	require.NoError(t, st.DB.Create(&Site{UserID: 1, IsArmed: armed}).Error)
	require.NoError(t, st.DB.Create(&Camera{SiteID: 1, IsArmed: armed, PersonThreshold: 35}).Error)
	require.NoError(t, st.DB.Create(&CameraFTP{CameraID: 1, Username: "cam1", Password: "secret"}).Error)
}

func TestAuthenticateCamera(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, true)

	auth, err := st.AuthenticateCamera("cam1", "secret")
	require.NoError(t, err)
	require.EqualValues(t, 1, auth.UserID)
	require.EqualValues(t, 1, auth.SiteID)
	require.EqualValues(t, 1, auth.CameraID)
	require.True(t, auth.IsArmed)
	require.EqualValues(t, 35, auth.PersonThreshold)

	_, err = st.AuthenticateCamera("cam1", "wrong")
	require.ErrorIs(t, err, ErrNotRegistered)

	// SQL injection in the username must not match anything
	_, err = st.AuthenticateCamera("' OR '1'='1", "' OR '1'='1")
	require.ErrorIs(t, err, ErrNotRegistered)
}

func TestAuthenticateCameraRejections(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, true)

	require.NoError(t, st.DB.Exec("UPDATE user SET is_active = 0 WHERE id = 1").Error)
	_, err := st.AuthenticateCamera("cam1", "secret")
	require.ErrorIs(t, err, ErrUserInactive)
	require.NoError(t, st.DB.Exec("UPDATE user SET is_active = 1 WHERE id = 1").Error)

	require.NoError(t, st.DB.Exec("UPDATE camera SET deleted_at = ? WHERE id = 1", dbh.MakeIntTime(time.Now())).Error)
	_, err = st.AuthenticateCamera("cam1", "secret")
	require.ErrorIs(t, err, ErrCameraDeleted)
	require.NoError(t, st.DB.Exec("UPDATE camera SET deleted_at = NULL WHERE id = 1").Error)

	require.NoError(t, st.DB.Exec("UPDATE site SET deleted_at = ? WHERE id = 1", dbh.MakeIntTime(time.Now())).Error)
	_, err = st.AuthenticateCamera("cam1", "secret")
	require.ErrorIs(t, err, ErrSiteDeleted)
}

func TestEventLifecycle(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, true)

	eventID, err := st.EventStart(1, 1, 1)
	require.NoError(t, err)
	require.NotZero(t, eventID)

	footageID, err := st.AddFootage(eventID, "front_20250301120000123.jpeg", "2025-03-01 12:00:00", 123)
	require.NoError(t, err)
	require.NotZero(t, footageID)

	require.NoError(t, st.AddDetections([]Detection{
		{EventFootageID: footageID, Frame: 1, Type: "person", Probability: 91, X: 10, Y: 20, W: 30, H: 80},
		{EventFootageID: footageID, Frame: 2, Type: "car", Probability: 64, X: 5, Y: 5, W: 100, H: 50},
	}))
	require.NoError(t, st.AddResultXML(footageID, "<Result></Result>"))
	require.NoError(t, st.EventEnd(eventID))

	ev := Event{}
	require.NoError(t, st.DB.First(&ev, eventID).Error)
	require.False(t, ev.EndedAt.IsZero())

	dets := []Detection{}
	require.NoError(t, st.DB.Where("event_footage_id = ?", footageID).Find(&dets).Error)
	require.Len(t, dets, 2)
}

func TestIncrementDetectionCount(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, true)

	require.NoError(t, st.IncrementDetectionCount(1, "person", 2))
	require.NoError(t, st.IncrementDetectionCount(1, "person", 3))
	require.NoError(t, st.IncrementDetectionCount(1, "car", 1))

	cd := CameraDetection{}
	require.NoError(t, st.DB.Where("camera_id = ? AND name = ?", 1, "person").First(&cd).Error)
	require.EqualValues(t, 5, cd.Count)
	cd = CameraDetection{}
	require.NoError(t, st.DB.Where("camera_id = ? AND name = ?", 1, "car").First(&cd).Error)
	require.EqualValues(t, 1, cd.Count)
}

func TestArmDisarm(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, true)
	// A second camera on the same site, and one soft-deleted camera
	require.NoError(t, st.DB.Create(&Camera{SiteID: 1, IsArmed: true}).Error)
	require.NoError(t, st.DB.Create(&Camera{SiteID: 1, IsArmed: true, DeletedAt: dbh.MakeIntTime(time.Now())}).Error)

	ids, err := st.CamerasBySite(1)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)

	require.NoError(t, st.SetSiteArmed(1, false))
	require.NoError(t, st.SetCameraArmed(1, false))
	require.NoError(t, st.SetCameraArmed(2, false))
	require.NoError(t, st.SetCameraArmed(3, false)) // deleted, must stay armed

	cams := []Camera{}
	require.NoError(t, st.DB.Order("id").Find(&cams).Error)
	require.False(t, cams[0].IsArmed)
	require.False(t, cams[1].IsArmed)
	require.True(t, cams[2].IsArmed)

	site := Site{}
	require.NoError(t, st.DB.First(&site, 1).Error)
	require.False(t, site.IsArmed)
}

func TestCameraCredentials(t *testing.T) {
	st := openTestStorage(t)
	seedCamera(t, st, false)

	username, password, armed, err := st.CameraCredentials(1)
	require.NoError(t, err)
	require.Equal(t, "cam1", username)
	require.Equal(t, "secret", password)
	require.False(t, armed)

	_, _, _, err = st.CameraCredentials(99)
	require.Error(t, err)
}

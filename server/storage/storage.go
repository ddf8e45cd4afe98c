// Package storage is the relational store behind the session engines.
// All SQL goes through gorm parameter placeholders; no caller-provided
// string is ever interpolated into query text.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var (
	ErrNotRegistered = errors.New("credentials are not registered")
	ErrSiteDeleted   = errors.New("site was soft deleted")
	ErrCameraDeleted = errors.New("camera was soft deleted")
	ErrUserInactive  = errors.New("user is not active")
)

type Storage struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open connects to the database and runs migrations.
// The analytics engine opens its own Storage, so it never contends with
// the main loop for a connection.
func Open(log logs.Log, cfg dbh.DBConfig) (*Storage, error) {
	db, err := dbh.OpenDB(log, cfg, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open database %v: %w", cfg.LogSafeDescription(), err)
	}
	return &Storage{
		Log: log,
		DB:  db,
	}, nil
}

// CameraAuth is the result of an ingestion credentials check.
type CameraAuth struct {
	UserID          int64
	SiteID          int64
	CameraID        int64
	IsArmed         bool
	PersonThreshold uint8
}

// AuthenticateCamera resolves FTP credentials to a camera, rejecting
// soft-deleted sites/cameras and inactive users. A disarmed camera
// authenticates successfully with IsArmed false; the caller decides what
// to do about it.
func (s *Storage) AuthenticateCamera(username, password string) (*CameraAuth, error) {
	row := struct {
		UserID          int64
		IsActive        bool
		SiteID          int64
		CameraID        int64
		SiteDeletedAt   dbh.IntTime
		CameraDeletedAt dbh.IntTime
		IsArmed         bool
		PersonThreshold uint8
	}{}
	err := s.DB.Raw(`
		SELECT site.user_id AS user_id, user.is_active AS is_active, site.id AS site_id,
		       camera_ftp.camera_id AS camera_id,
		       site.deleted_at AS site_deleted_at, camera.deleted_at AS camera_deleted_at,
		       camera.is_armed AS is_armed, camera.person_threshold AS person_threshold
		FROM camera_ftp
		JOIN camera ON camera.id = camera_ftp.camera_id
		JOIN site ON site.id = camera.site_id
		JOIN user ON user.id = site.user_id
		WHERE camera_ftp.username = ? AND camera_ftp.password = ?`,
		username, password).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.CameraID == 0 {
		return nil, ErrNotRegistered
	}
	if !row.SiteDeletedAt.IsZero() {
		return nil, fmt.Errorf("%w (site id %v)", ErrSiteDeleted, row.SiteID)
	}
	if !row.CameraDeletedAt.IsZero() {
		return nil, fmt.Errorf("%w (camera id %v)", ErrCameraDeleted, row.CameraID)
	}
	if !row.IsActive {
		return nil, fmt.Errorf("%w (user id %v)", ErrUserInactive, row.UserID)
	}
	return &CameraAuth{
		UserID:          row.UserID,
		SiteID:          row.SiteID,
		CameraID:        row.CameraID,
		IsArmed:         row.IsArmed,
		PersonThreshold: row.PersonThreshold,
	}, nil
}

// EventStart writes the "event started" marker and returns the event id.
func (s *Storage) EventStart(userID, siteID, cameraID int64) (int64, error) {
	ev := &Event{
		UserID:    userID,
		SiteID:    siteID,
		CameraID:  cameraID,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	if err := s.DB.Create(ev).Error; err != nil {
		return 0, err
	}
	return ev.ID, nil
}

// EventEnd writes the "event ended" marker.
func (s *Storage) EventEnd(eventID int64) error {
	return s.DB.Exec("UPDATE event SET ended_at = ? WHERE id = ?", dbh.MakeIntTime(time.Now()), eventID).Error
}

// AddFootage persists one footage row and returns its generated id.
func (s *Storage) AddFootage(eventID int64, name, timestamp string, ms uint16) (int64, error) {
	f := &EventFootage{
		EventID:      eventID,
		Name:         name,
		Timestamp:    timestamp,
		Milliseconds: ms,
		CreatedAt:    dbh.MakeIntTime(time.Now()),
	}
	if err := s.DB.Create(f).Error; err != nil {
		return 0, err
	}
	return f.ID, nil
}

// AddDetections appends parsed analytics objects in one multi-row insert.
func (s *Storage) AddDetections(dets []Detection) error {
	if len(dets) == 0 {
		return nil
	}
	return s.DB.Create(&dets).Error
}

// AddResultXML stores the raw analytics response payload.
func (s *Storage) AddResultXML(footageID int64, data string) error {
	return s.DB.Create(&ResultXML{
		EventFootageID: footageID,
		Data:           data,
		CreatedAt:      dbh.MakeIntTime(time.Now()),
	}).Error
}

// IncrementDetectionCount bumps the per-camera running counter for one
// detection type, creating the counter row on first sight.
func (s *Storage) IncrementDetectionCount(cameraID int64, name string, n int64) error {
	res := s.DB.Exec("UPDATE camera_detection SET count = count + ? WHERE camera_id = ? AND name = ?", n, cameraID, name)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.DB.Create(&CameraDetection{CameraID: cameraID, Name: name, Count: n}).Error
	}
	return nil
}

// SetCameraArmed flips a camera's armed flag. Soft-deleted cameras are
// left alone.
func (s *Storage) SetCameraArmed(cameraID int64, armed bool) error {
	return s.DB.Exec("UPDATE camera SET is_armed = ? WHERE id = ? AND (deleted_at IS NULL OR deleted_at = 0)", armed, cameraID).Error
}

// SetSiteArmed flips a site's armed flag.
func (s *Storage) SetSiteArmed(siteID int64, armed bool) error {
	return s.DB.Exec("UPDATE site SET is_armed = ? WHERE id = ? AND (deleted_at IS NULL OR deleted_at = 0)", armed, siteID).Error
}

// CamerasBySite returns the ids of all cameras belonging to a site.
func (s *Storage) CamerasBySite(siteID int64) ([]int64, error) {
	return dbh.ScanArray[int64](s.DB.Raw("SELECT id FROM camera WHERE site_id = ?", siteID).Rows())
}

// CameraCredentials returns the FTP username/password and current armed
// state for a camera.
func (s *Storage) CameraCredentials(cameraID int64) (username, password string, armed bool, err error) {
	row := struct {
		Username string
		Password string
		IsArmed  bool
	}{}
	err = s.DB.Raw(`
		SELECT camera_ftp.username AS username, camera_ftp.password AS password, camera.is_armed AS is_armed
		FROM camera_ftp
		JOIN camera ON camera.id = camera_ftp.camera_id
		WHERE camera_ftp.camera_id = ?`, cameraID).Scan(&row).Error
	if err != nil {
		return "", "", false, err
	}
	if row.Username == "" && row.Password == "" {
		return "", "", false, fmt.Errorf("no FTP credentials for camera id %v", cameraID)
	}
	return row.Username, row.Password, row.IsArmed, nil
}

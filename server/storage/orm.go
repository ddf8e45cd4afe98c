package storage

import (
	"github.com/cyclopcam/dbh"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type User struct {
	BaseModel
	IsActive bool `json:"isActive"`
}

type Site struct {
	BaseModel
	UserID    int64       `json:"userID"`
	IsArmed   bool        `json:"isArmed"`
	DeletedAt dbh.IntTime `json:"deletedAt,omitempty"` // Soft delete. Zero = not deleted.
}

type Camera struct {
	BaseModel
	SiteID          int64       `json:"siteID"`
	IsArmed         bool        `json:"isArmed"`
	PersonThreshold uint8       `json:"personThreshold"` // Probability cutoff (0..100) for person notifications
	DeletedAt       dbh.IntTime `json:"deletedAt,omitempty"`
}

// CameraFTP holds the FTP credentials that a camera pushes footage with.
type CameraFTP struct {
	BaseModel
	CameraID int64  `json:"cameraID"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (CameraFTP) TableName() string {
	return "camera_ftp"
}

// Event is one continuous period of monitored activity for a camera,
// bounded by start/end timestamps.
type Event struct {
	BaseModel
	UserID    int64       `json:"userID"`
	SiteID    int64       `json:"siteID"`
	CameraID  int64       `json:"cameraID"`
	CreatedAt dbh.IntTime `json:"createdAt"`
	EndedAt   dbh.IntTime `json:"endedAt,omitempty"`
}

// EventFootage is one uploaded image/video file belonging to an Event.
type EventFootage struct {
	BaseModel
	EventID      int64       `json:"eventID"`
	Name         string      `json:"name"`
	Timestamp    string      `json:"timestamp"`    // Derived from the filename if possible, else server local time
	Milliseconds uint16      `gorm:"column:ms" json:"ms"` // Millisecond remainder of Timestamp
	CreatedAt    dbh.IntTime `json:"createdAt"`
}

func (EventFootage) TableName() string {
	return "event_footage"
}

// Detection is one object found by the analytics service in one frame.
type Detection struct {
	BaseModel
	EventFootageID int64  `json:"eventFootageID"`
	Frame          int    `json:"frame"`
	Type           string `json:"type"`
	Probability    int    `json:"probability"` // 0..100
	X              int    `json:"x"`
	Y              int    `json:"y"`
	W              int    `json:"w"`
	H              int    `json:"h"`
}

func (Detection) TableName() string {
	return "event_analytics"
}

// ResultXML is the raw analytics response, kept for auditing.
type ResultXML struct {
	BaseModel
	EventFootageID int64       `json:"eventFootageID"`
	Data           string      `json:"data"`
	CreatedAt      dbh.IntTime `json:"createdAt"`
}

func (ResultXML) TableName() string {
	return "event_analytics_xml"
}

// CameraDetection is a per-camera, per-type running detection counter.
type CameraDetection struct {
	BaseModel
	CameraID int64  `json:"cameraID"`
	Name     string `json:"name"`
	Count    int64  `json:"count"`
}

func (CameraDetection) TableName() string {
	return "camera_detection"
}

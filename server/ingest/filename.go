package ingest

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type FileType int

const (
	FileTypeUnknown FileType = iota
	FileTypeJPEG
	FileTypeAVI
)

// Hikvision-style upload names embed a timestamp:
//
//	192.168.0.64_01_20190319093422939_MOTION_DETECTION.jpg
//	gg_733804851_20190319124752348_MOTION_DETECTION.jpg
//
// The "_20" prefix of the timestamp group anchors the match, so this
// keeps working until the year 2100.
var footageNameRegex = regexp.MustCompile(`_(20\d{2})(\d{2})(\d{2})(\d{2})(\d{2})(\d{2})(\d{3}).*\.(\w{1,4})$`)

// ParsedName is the timestamp extracted from an uploaded footage
// filename.
type ParsedName struct {
	Timestamp    string // "2019-03-19 09:34:22"
	Milliseconds uint16
	Type         FileType
}

// ParseFootageName extracts the capture timestamp from a camera upload
// filename. Returns false for names with no recognizable timestamp
// (eg Mobotix sends names like "mx16bd8d00"); the caller falls back to
// the server clock.
func ParseFootageName(name string) (ParsedName, bool) {
	m := footageNameRegex.FindStringSubmatch(name)
	if m == nil {
		return ParsedName{}, false
	}
	p := ParsedName{
		Timestamp: fmt.Sprintf("%v-%v-%v %v:%v:%v", m[1], m[2], m[3], m[4], m[5], m[6]),
	}
	ms, _ := strconv.Atoi(m[7])
	p.Milliseconds = uint16(ms)
	switch m[8] {
	case "jpg", "jpeg", "JPG", "JPEG":
		p.Type = FileTypeJPEG
	case "avi", "AVI":
		p.Type = FileTypeAVI
	}
	return p, true
}

// localTimestamp is the fallback for unparsable filenames.
func localTimestamp(now time.Time) (string, uint16) {
	return now.Format("2006-01-02 15:04:05"), uint16(now.Nanosecond() / 1e6)
}

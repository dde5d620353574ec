package export

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	clockLayout = "15h04m05s"
	dateLayout  = "2006-01-02"
)

// offsetLayouts carry their own zone; localLayouts are read in the configured location.
var (
	offsetLayouts = []string{time.RFC3339Nano}
	localLayouts  = []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// ParseTimestamp reads a ZoneMinder or request timestamp. Values without an
// offset are interpreted in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.Local
	}

	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// ParseLength reads an event length in seconds; fractions are allowed.
func ParseLength(value string) (time.Duration, error) {
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid length %q: %w", value, err)
	}
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0, fmt.Errorf("invalid length %q", value)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// FormatFileName builds "<start>-<end> --- <date> --- <camera>.mp4".
func FormatFileName(start time.Time, length time.Duration, cameraName string) string {
	end := start.Add(length)
	return fmt.Sprintf("%s-%s --- %s --- %s.mp4",
		start.Format(clockLayout),
		end.Format(clockLayout),
		start.Format(dateLayout),
		SanitizeName(cameraName),
	)
}

// EntryPath nests the file name under the camera's display name.
// Empty, "." and ".." segments of the name are dropped so the entry stays
// inside the archive root.
func EntryPath(cameraName, fileName string) string {
	segments := strings.FieldsFunc(cameraName, func(r rune) bool { return r == '/' || r == '\\' })
	kept := make([]string, 0, len(segments)+1)
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			continue
		}
		kept = append(kept, seg)
	}
	return path.Join(append(kept, fileName)...)
}

// ValidCameraName reports whether name can be used as an archive directory.
func ValidCameraName(name string) bool {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return false
	}
	for _, seg := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return false
		}
	}
	return true
}

// SanitizeName replaces characters that are not allowed in a path component.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, name)
}

// ArchiveFileName is the download name of an export started at now.
func ArchiveFileName(now time.Time) string {
	return "export_" + now.Format("2006-01-02_15-04") + ".zip"
}

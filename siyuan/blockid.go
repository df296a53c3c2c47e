package siyuan

import (
	"regexp"
	"time"
)

// Block IDs look like "20210808180117-6v0mkxr": a local creation timestamp
// followed by a random suffix.
var blockIDPattern = regexp.MustCompile(`^(\d{14})-[0-9a-z]{7}$`)

const blockTimeLayout = "20060102150405"

// IsBlockID reports whether id has the shape of a block identifier.
func IsBlockID(id string) bool {
	return blockIDPattern.MatchString(id)
}

// ParseBlockTime extracts the creation timestamp from a block or notebook ID.
// The timestamp is interpreted in the local time zone, which is how the
// remote store generates it.
func ParseBlockTime(id string) (time.Time, bool) {
	m := blockIDPattern.FindStringSubmatch(id)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(blockTimeLayout, m[1], time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

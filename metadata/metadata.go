// Package metadata derives filesystem timestamps for note store objects and
// applies them to FUSE attributes.
//
// The remote store reports modification and creation times as unix seconds
// on document listings, and every block or notebook ID starts with its local
// creation time ("20210808180117-6v0mkxr"). Listing times win; the ID is the
// fallback.
//
// Example usage:
//
//	ts := metadata.ForDocument(entry)
//	ts.ApplyWithFallback(&out.Attr, mountTime)
package metadata

import (
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"siyuan-fuse/siyuan"
)

// Timestamps holds the filesystem times of one object.
type Timestamps struct {
	Ctime time.Time
	Mtime time.Time
	Atime time.Time
}

// IsZero returns true if all timestamps are zero.
func (t Timestamps) IsZero() bool {
	return t.Ctime.IsZero() && t.Mtime.IsZero() && t.Atime.IsZero()
}

// ForBlockID returns timestamps taken from the creation time encoded in id.
// An id without a timestamp prefix yields zero timestamps.
func ForBlockID(id string) Timestamps {
	t, ok := siyuan.ParseBlockTime(id)
	if !ok {
		return Timestamps{}
	}
	return Timestamps{Ctime: t, Mtime: t, Atime: t}
}

// ForNotebook returns the timestamps of a notebook directory.
func ForNotebook(nb siyuan.Notebook) Timestamps {
	return ForBlockID(nb.ID)
}

// ForDocument returns the timestamps of a listed document. ctime is the
// creation time, mtime and atime the last modification.
func ForDocument(d siyuan.DocEntry) Timestamps {
	ts := ForBlockID(d.ID)
	if d.Ctime > 0 {
		ts.Ctime = time.Unix(d.Ctime, 0)
	}
	if d.Mtime > 0 {
		ts.Mtime = time.Unix(d.Mtime, 0)
		ts.Atime = ts.Mtime
	}
	return ts
}

// Touched returns a copy with mtime and atime set to t, as after a write.
func (t Timestamps) Touched(at time.Time) Timestamps {
	t.Mtime = at
	t.Atime = at
	if t.Ctime.IsZero() {
		t.Ctime = at
	}
	return t
}

// Apply sets the timestamps on a fuse.Attr struct.
// Only non-zero timestamps are applied.
func (t Timestamps) Apply(attr *fuse.Attr) {
	if !t.Ctime.IsZero() {
		attr.Ctime = uint64(t.Ctime.Unix())
		attr.Ctimensec = uint32(t.Ctime.Nanosecond())
	}
	if !t.Mtime.IsZero() {
		attr.Mtime = uint64(t.Mtime.Unix())
		attr.Mtimensec = uint32(t.Mtime.Nanosecond())
	}
	if !t.Atime.IsZero() {
		attr.Atime = uint64(t.Atime.Unix())
		attr.Atimensec = uint32(t.Atime.Nanosecond())
	}
}

// ApplyWithFallback is Apply with fallback used for every zero timestamp.
func (t Timestamps) ApplyWithFallback(attr *fuse.Attr, fallback time.Time) {
	if t.Ctime.IsZero() {
		t.Ctime = fallback
	}
	if t.Mtime.IsZero() {
		t.Mtime = fallback
	}
	if t.Atime.IsZero() {
		t.Atime = fallback
	}
	t.Apply(attr)
}

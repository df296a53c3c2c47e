package vfs

import (
	"time"

	"siyuan-fuse/metadata"
)

// FileType is the type of a filesystem entry.
type FileType int

const (
	TypeFile FileType = iota + 1
	TypeDirectory
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	default:
		return "unknown"
	}
}

// FileInfo describes one virtual path.
type FileInfo struct {
	Name string
	Type FileType
	// Size is the markdown length for documents and 0 for directories.
	Size int64
	// ID is the block ID of the underlying document, or the notebook ID
	// for notebook roots.
	ID    string
	Times metadata.Timestamps
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool {
	return fi.Type == TypeDirectory
}

// ModTime returns the modification time.
func (fi FileInfo) ModTime() time.Time {
	return fi.Times.Mtime
}

// DirEntry is one child returned by ListChildren.
type DirEntry struct {
	Name string
	Type FileType
	ID   string
	Size int64
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool {
	return e.Type == TypeDirectory
}

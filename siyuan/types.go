package siyuan

import (
	"encoding/json"
	"strings"
	"time"
)

// StorageSuffix is the suffix the remote store puts on document file names
// and on the last segment of a storage path.
const StorageSuffix = ".sy"

// Notebook is a top-level container of documents.
type Notebook struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Icon   string `json:"icon,omitempty"`
	Sort   int    `json:"sort"`
	Closed bool   `json:"closed"`
}

// Created returns the creation time encoded in the notebook ID.
func (n Notebook) Created() (time.Time, bool) {
	return ParseBlockTime(n.ID)
}

// DocEntry is one child document returned by a listing.
type DocEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	SubFileCount int    `json:"subFileCount"`
	Mtime        int64  `json:"mtime"`
	Ctime        int64  `json:"ctime"`
}

// DisplayName returns the human-readable document name without the storage
// suffix.
func (d DocEntry) DisplayName() string {
	return strings.TrimSuffix(d.Name, StorageSuffix)
}

// HasChildren reports whether the document also holds sub-documents.
func (d DocEntry) HasChildren() bool {
	return d.SubFileCount > 0
}

// Modified returns the document's modification time, falling back to the
// time encoded in its ID.
func (d DocEntry) Modified() time.Time {
	if d.Mtime > 0 {
		return time.Unix(d.Mtime, 0)
	}
	t, _ := ParseBlockTime(d.ID)
	return t
}

// CreatedAt returns the document's creation time, falling back to the time
// encoded in its ID.
func (d DocEntry) CreatedAt() time.Time {
	if d.Ctime > 0 {
		return time.Unix(d.Ctime, 0)
	}
	t, _ := ParseBlockTime(d.ID)
	return t
}

// response is the envelope every endpoint answers with.
type response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	// Data is decoded per endpoint.
	Data json.RawMessage `json:"data"`
}

type notebooksData struct {
	Notebooks []Notebook `json:"notebooks"`
}

type docsData struct {
	Box   string     `json:"box"`
	Path  string     `json:"path"`
	Files []DocEntry `json:"files"`
}

type exportData struct {
	HPath   string `json:"hPath"`
	Content string `json:"content"`
}

type hpathRequest struct {
	Notebook string `json:"notebook"`
	Path     string `json:"path"`
}

type idRequest struct {
	ID string `json:"id"`
}

type updateBlockRequest struct {
	ID       string `json:"id"`
	DataType string `json:"dataType"`
	Data     string `json:"data"`
}

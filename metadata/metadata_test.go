package metadata

import (
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"

	"siyuan-fuse/siyuan"
)

func TestForBlockID(t *testing.T) {
	ts := ForBlockID("20210808180117-6v0mkxr")
	want := time.Date(2021, 8, 8, 18, 1, 17, 0, time.Local)
	assert.True(t, ts.Ctime.Equal(want))
	assert.True(t, ts.Mtime.Equal(want))
	assert.True(t, ts.Atime.Equal(want))

	assert.True(t, ForBlockID("plain").IsZero())
	assert.True(t, ForBlockID("").IsZero())
}

func TestForNotebook(t *testing.T) {
	ts := ForNotebook(siyuan.Notebook{ID: "20240101000000-nbwork1", Name: "Work"})
	assert.True(t, ts.Ctime.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)))
}

func TestForDocument(t *testing.T) {
	tests := []struct {
		name      string
		entry     siyuan.DocEntry
		wantCtime time.Time
		wantMtime time.Time
	}{
		{
			name:      "listing times",
			entry:     siyuan.DocEntry{ID: "20210808180117-6v0mkxr", Ctime: 1690000000, Mtime: 1700000000},
			wantCtime: time.Unix(1690000000, 0),
			wantMtime: time.Unix(1700000000, 0),
		},
		{
			name:      "id fallback",
			entry:     siyuan.DocEntry{ID: "20210808180117-6v0mkxr"},
			wantCtime: time.Date(2021, 8, 8, 18, 1, 17, 0, time.Local),
			wantMtime: time.Date(2021, 8, 8, 18, 1, 17, 0, time.Local),
		},
		{
			name:      "mtime only",
			entry:     siyuan.DocEntry{ID: "20210808180117-6v0mkxr", Mtime: 1700000000},
			wantCtime: time.Date(2021, 8, 8, 18, 1, 17, 0, time.Local),
			wantMtime: time.Unix(1700000000, 0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := ForDocument(tt.entry)
			assert.True(t, ts.Ctime.Equal(tt.wantCtime), "ctime %v", ts.Ctime)
			assert.True(t, ts.Mtime.Equal(tt.wantMtime), "mtime %v", ts.Mtime)
			assert.True(t, ts.Atime.Equal(tt.wantMtime), "atime %v", ts.Atime)
		})
	}
}

func TestTouched(t *testing.T) {
	now := time.Unix(1800000000, 0)
	ts := ForBlockID("20210808180117-6v0mkxr").Touched(now)
	assert.True(t, ts.Mtime.Equal(now))
	assert.True(t, ts.Atime.Equal(now))
	assert.False(t, ts.Ctime.Equal(now))

	assert.True(t, Timestamps{}.Touched(now).Ctime.Equal(now))
}

func TestApply(t *testing.T) {
	ts := Timestamps{
		Ctime: time.Unix(100, 5),
		Mtime: time.Unix(200, 6),
	}
	attr := fuse.Attr{}
	attr.Atime = 42
	ts.Apply(&attr)

	assert.Equal(t, uint64(100), attr.Ctime)
	assert.Equal(t, uint32(5), attr.Ctimensec)
	assert.Equal(t, uint64(200), attr.Mtime)
	assert.Equal(t, uint32(6), attr.Mtimensec)
	assert.Equal(t, uint64(42), attr.Atime, "zero atime leaves attr untouched")
}

func TestApplyWithFallback(t *testing.T) {
	fallback := time.Unix(999, 0)
	attr := fuse.Attr{}
	Timestamps{Mtime: time.Unix(200, 0)}.ApplyWithFallback(&attr, fallback)

	assert.Equal(t, uint64(999), attr.Ctime)
	assert.Equal(t, uint64(200), attr.Mtime)
	assert.Equal(t, uint64(999), attr.Atime)
}

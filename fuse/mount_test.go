package fuse

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMount_Browse(t *testing.T) {
	mnt, _ := mountTestFS(t)

	entries, err := os.ReadDir(mnt)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Work", entries[0].Name())
	assert.True(t, entries[0].IsDir())

	entries, err = os.ReadDir(filepath.Join(mnt, "Work"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"Notes.md", "Plan", "Plan.md"}, names)

	info, err := os.Stat(filepath.Join(mnt, "Work", "Plan.md"))
	require.NoError(t, err)
	assert.False(t, info.IsDir())
	assert.Equal(t, int64(len("# Plan\n")), info.Size())

	info, err = os.Stat(filepath.Join(mnt, "Work", "Plan"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(filepath.Join(mnt, "Work", "Notes"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "documents without children have no container")
}

func TestMount_ReadNested(t *testing.T) {
	mnt, _ := mountTestFS(t)

	data, err := os.ReadFile(filepath.Join(mnt, "Work", "Plan", "Tasks.md"))
	require.NoError(t, err)
	assert.Equal(t, "- [ ] ship\n", string(data))
}

func TestMount_WriteOnClose(t *testing.T) {
	mnt, s := mountTestFS(t)
	p := filepath.Join(mnt, "Work", "Notes.md")

	require.NoError(t, os.WriteFile(p, []byte("rewritten"), 0644))
	content, _ := s.Content(docNotes)
	assert.Equal(t, "rewritten", content)

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "rewritten", string(data))

	require.Eventually(t, func() bool {
		info, err := os.Stat(p)
		return err == nil && info.Size() == int64(len("rewritten"))
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMount_Remove(t *testing.T) {
	mnt, s := mountTestFS(t)

	require.NoError(t, os.Remove(filepath.Join(mnt, "Work", "Plan.md")))
	_, ok := s.Content(docPlan)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(mnt, "Work", "Plan"))
		return errors.Is(err, os.ErrNotExist)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestMount_Unsupported(t *testing.T) {
	mnt, _ := mountTestFS(t)

	err := os.Mkdir(filepath.Join(mnt, "Work", "New"), 0755)
	assert.True(t, errors.Is(err, syscall.ENOTSUP), "mkdir: %v", err)

	_, err = os.Create(filepath.Join(mnt, "Work", "New.md"))
	assert.True(t, errors.Is(err, syscall.ENOTSUP), "create: %v", err)

	err = os.Rename(filepath.Join(mnt, "Work", "Notes.md"), filepath.Join(mnt, "Work", "Renamed.md"))
	assert.True(t, errors.Is(err, syscall.ENOTSUP), "rename: %v", err)
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "bulksend/pkg/logx"
)

func TestFileSetSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "members.db"), CompactEvery: 2}

	s, err := Open(ctx, cfg, SetSent, logx.Nop())
	require.NoError(t, err)
	for _, k := range []string{"5511900000001", "5511900000002", "5511900000003", "5511900000001"} {
		require.NoError(t, s.Add(ctx, k))
	}
	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, s.Close())

	_, err = s.Has(ctx, "5511900000001")
	assert.ErrorIs(t, err, ErrClosed)

	s2, err := Open(ctx, cfg, SetSent, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()

	ok, err := s2.Has(ctx, "5511900000003")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s2.Has(ctx, "5511900000009")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different set name under the same prefix is independent.
	u, err := Open(ctx, cfg, SetUnregistered, logx.Nop())
	require.NoError(t, err)
	defer u.Close()
	ok, err = u.Has(ctx, "5511900000003")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileSetJournalReplayWithoutCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "members")

	s, err := openFile(Config{Path: path, CompactEvery: 1000}, SetUnregistered, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Add(ctx, "5511900000001"))
	// Simulate a crash: drop the handle without Close so only the journal holds data.
	fs := s.(*fileSet)
	require.NoError(t, fs.journal.Close())

	s2, err := openFile(Config{Path: path}, SetUnregistered, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	ok, err := s2.Has(ctx, "5511900000001")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemorySetPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	require.NoError(t, s.Add(ctx, "a"))
	require.NoError(t, s.Add(ctx, ""))

	n, err := s.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.PurgeBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, l)
}

func TestOpenRejectsUnknown(t *testing.T) {
	ctx := context.Background()
	_, err := Open(ctx, Config{}, "other", logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownSet)

	_, err = Open(ctx, Config{Driver: "etcd"}, SetSent, logx.Nop())
	assert.Error(t, err)

	_, err = Open(ctx, Config{Driver: "redis"}, SetSent, logx.Nop())
	assert.ErrorIs(t, err, ErrEmptyAddress)

	assert.Equal(t, "bulksend:sent", redisKey("", SetSent))
	assert.Equal(t, "acme:unregistered", redisKey("acme", SetUnregistered))
}

package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticksync.io/internal/persistence/indexdb"
)

type brokenMeta struct{ calls int }

func (b *brokenMeta) SetMeta(context.Context, string, string) error {
	b.calls++
	return errors.New("disk full")
}

func TestWriteIndexMeta(t *testing.T) {
	ctx := context.Background()
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	require.NoError(t, err)
	defer idx.Close()

	assert.Equal(t, 0, writeIndexMeta(ctx, idx, zerolog.Nop(), "match-7", 2))
	got, err := idx.Meta(ctx, "match_id")
	require.NoError(t, err)
	assert.Equal(t, "match-7", got)
	got, err = idx.Meta(ctx, "local_player")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestWriteIndexMeta_LogsFailures(t *testing.T) {
	var buf bytes.Buffer
	b := &brokenMeta{}
	assert.Equal(t, 2, writeIndexMeta(context.Background(), b, zerolog.New(&buf), "match-7", 2))
	assert.Equal(t, 2, b.calls)
	assert.Contains(t, buf.String(), `"key":"match_id"`)
	assert.Contains(t, buf.String(), `"key":"local_player"`)
	assert.Contains(t, buf.String(), "disk full")
}

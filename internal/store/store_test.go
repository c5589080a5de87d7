package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell/childbook/internal/model"
)

func exerciseStore(t *testing.T, s HandleStore) {
	t.Helper()
	ctx := context.Background()

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	want := model.InstanceRecord{URL: "https://abc-comfyui.runcomfy.com", ServerID: "abc"}
	require.NoError(t, s.Save(ctx, want))

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, want, *rec)

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStore(t *testing.T) {
	exerciseStore(t, NewFileStoreFs(afero.NewMemMapFs(), "state/.runcomfy_instance"))
}

func TestFileStore_OSFilesystem(t *testing.T) {
	exerciseStore(t, NewFileStore(t.TempDir()+"/.runcomfy_instance"))
}

func TestFileStore_LegacyRecordWithoutServerID(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ".runcomfy_instance", []byte(`{"url": "https://x-comfyui.runcomfy.com"}`), 0o600))

	rec, err := NewFileStoreFs(fs, ".runcomfy_instance").Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "https://x-comfyui.runcomfy.com", rec.URL)
	assert.Empty(t, rec.ServerID)
}

func TestFileStore_CorruptFileIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "inst", []byte(`{not json`), 0o600))

	rec, err := NewFileStoreFs(fs, "inst").Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	exerciseStore(t, NewRedisStore(rdb, "childbook:instance"))
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	_, err := NewRedisStore(rdb, "k").Load(context.Background())
	assert.Error(t, err)
}

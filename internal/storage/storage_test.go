package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/eddiefleurent/scranton_ledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.json")

	storage, err := NewJSONStorage(path)
	require.NoError(t, err)
	require.NotNil(t, storage)

	runs, err := storage.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)

	// Nothing is written until the first save
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = NewJSONStorage("")
	assert.Error(t, err)
}

func TestJSONStorage_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runs.json")

	s, err := NewJSONStorage(path)
	require.NoError(t, err)
	run := sampleRun(t)
	require.NoError(t, s.SaveRun(ctx, run))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	reopened, err := NewJSONStorage(path)
	require.NoError(t, err)
	got, err := reopened.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, run.FinalBalance.Equal(got.FinalBalance))
	assert.ErrorIs(t, reopened.SaveRun(ctx, run), ErrDuplicateRun)
}

func TestJSONStorage_GetRunReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, err := NewJSONStorage(filepath.Join(t.TempDir(), "runs.json"))
	require.NoError(t, err)
	run := sampleRun(t)
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	got.Events[0].Amount = dec("1")
	got.Trades = nil

	again, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.True(t, again.Events[0].Amount.Equal(run.Events[0].Amount))
	assert.Len(t, again.Trades, 2)
}

func TestJSONStorage_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewJSONStorage(path)
	assert.Error(t, err)
}

func TestJSONStorage_CanceledContext(t *testing.T) {
	s, err := NewJSONStorage(filepath.Join(t.TempDir(), "runs.json"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveRun(ctx, sampleRun(t)), context.Canceled)
	_, err = s.ListRuns(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMockStorage_Controls(t *testing.T) {
	ctx := context.Background()
	m := NewMockStorage()
	boom := errors.New("disk full")

	m.SetSaveError(boom)
	assert.ErrorIs(t, m.SaveRun(ctx, sampleRun(t)), boom)
	assert.Equal(t, 1, m.GetSaveCallCount())

	m.SetSaveError(nil)
	run := sampleRun(t)
	require.NoError(t, m.SaveRun(ctx, run))

	m.SetLoadError(boom)
	_, err := m.GetRun(ctx, run.RunID)
	assert.ErrorIs(t, err, boom)
	_, err = m.ListRuns(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, m.GetLoadCallCount())
}

func TestNewStorage(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.StorageConfig
		want    any
		wantErr bool
	}{
		{name: "default is json", cfg: config.StorageConfig{Path: filepath.Join(dir, "a.json")}, want: &JSONStorage{}},
		{name: "json", cfg: config.StorageConfig{Backend: "json", Path: filepath.Join(dir, "b.json")}, want: &JSONStorage{}},
		{name: "sqlite", cfg: config.StorageConfig{Backend: "sqlite", Path: filepath.Join(dir, "c.db")}, want: &SQLiteStorage{}},
		{name: "postgres without dsn", cfg: config.StorageConfig{Backend: "postgres"}, wantErr: true},
		{name: "unknown", cfg: config.StorageConfig{Backend: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewStorage(ctx, tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			assert.IsType(t, tt.want, s)
		})
	}
}

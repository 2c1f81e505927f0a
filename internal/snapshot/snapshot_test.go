package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k1networth/outputfeed/internal/output"
	"github.com/k1networth/outputfeed/internal/shared/config"
	"github.com/k1networth/outputfeed/internal/shared/db"
)

func sampleWindow() []output.Event {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []output.Event{
		{ID: "b", ExecutionID: "exec-2", Status: "failed", Data: map[string]any{"n": json.Number("2")}, Timestamp: base.Add(time.Minute)},
		{ID: "a", ExecutionID: "exec-1", Status: "success", Data: map[string]any{"nested": map[string]any{"ok": true}}, Timestamp: base},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "outputs.json")
	s, err := NewFileStore(path)
	require.NoError(t, err)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Save(ctx, sampleWindow()))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow(), got)

	require.NoError(t, s.Save(ctx, sampleWindow()[:1]))
	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outputs.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.Error(t, err)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	conn, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := NewSQLStore(conn, DialectSQLite, "outputs")
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Save(ctx, sampleWindow()))
	require.NoError(t, s.Save(ctx, sampleWindow()[1:]))

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow()[1:], got)

	var rows int
	require.NoError(t, conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM output_snapshots`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestPostgresStoreUsesNumberedPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewSQLStore(conn, DialectPostgres, "outputs")
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	data, err := encodeWindow(sampleWindow())
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`VALUES ($1, $2, $3)`)).
		WithArgs("outputs", string(data), int64(1700000000000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM output_snapshots WHERE key = $1`)).
		WithArgs("outputs").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(string(data)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT value FROM output_snapshots WHERE key = $1`)).
		WithArgs("outputs").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	ctx := context.Background()
	require.NoError(t, s.Save(ctx, sampleWindow()))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleWindow(), got)

	got, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := NewSQLStore(conn, DialectPostgres, "")

	mock.ExpectExec("INSERT INTO output_snapshots").WillReturnError(assert.AnError)

	err = s.Save(context.Background(), sampleWindow())
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenSelectsBackend(t *testing.T) {
	log := slog.New(slog.DiscardHandler)
	ctx := context.Background()

	b, err := Open(ctx, config.PersistConfig{Backend: "none"}, log)
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = Open(ctx, config.PersistConfig{Backend: "floppy"}, log)
	assert.ErrorIs(t, err, ErrUnknownBackend)

	dir := t.TempDir()
	b, err = Open(ctx, config.PersistConfig{Backend: "file", Path: filepath.Join(dir, "w.json")}, log)
	require.NoError(t, err)
	assert.Equal(t, "file", b.Name())
	require.NoError(t, b.Close())

	b, err = Open(ctx, config.PersistConfig{Backend: "sqlite", SQLitePath: filepath.Join(dir, "db", "feed.db"), Key: "outputs"}, log)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", b.Name())
	require.NoError(t, b.Save(ctx, sampleWindow()))
	got, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	require.NoError(t, b.Close())
}

func TestOpenOrMemoryDegradesWhenBackendUnreachable(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := OpenOrMemory(ctx, config.PersistConfig{Backend: "redis", RedisAddr: "127.0.0.1:1", Key: "outputs"}, log)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Contains(t, buf.String(), `"msg":"snapshot_open_failed"`)
	assert.Contains(t, buf.String(), `"msg":"persistence_disabled"`)

	// The service keeps running on a memory-only window.
	store := output.NewStore(2)
	require.NoError(t, store.Restore(ctx))
	ev := store.Insert(ctx, output.Event{ExecutionID: "e1", Status: "success", Data: map[string]any{}, Timestamp: time.Now()})
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, 1, store.Len())
}

func TestOpenOrMemoryRejectsUnknownBackend(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	b, err := OpenOrMemory(context.Background(), config.PersistConfig{Backend: "floppy"}, log)
	require.ErrorIs(t, err, ErrUnknownBackend)
	assert.Nil(t, b)

	b, err = OpenOrMemory(context.Background(), config.PersistConfig{Backend: "file", Path: filepath.Join(t.TempDir(), "w.json")}, log)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "file", b.Name())
	require.NoError(t, b.Close())
}

func TestStoreRestoresFromFileAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outputs.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	first := output.NewStore(3, output.WithPersister(fs, time.Second))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		first.Insert(ctx, output.Event{ExecutionID: id, Status: "success", Data: map[string]any{}, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	first.Close()
	want := first.Snapshot()

	second := output.NewStore(3, output.WithPersister(fs, time.Second))
	require.NoError(t, second.Restore(ctx))
	assert.Equal(t, want, second.Snapshot())
	assert.Equal(t, 3, second.Len())
}

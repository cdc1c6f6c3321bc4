package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(Migrations, ".")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"00001_accounts.sql", "00002_records.sql"}, names)

	for _, name := range names {
		body, err := fs.ReadFile(Migrations, name)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-- +goose Up", name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestMigrations_RecordStatuses(t *testing.T) {
	body, err := fs.ReadFile(Migrations, "00002_records.sql")
	require.NoError(t, err)
	for _, status := range []string{"new", "in_progress", "done", "archived"} {
		assert.True(t, strings.Contains(string(body), "'"+status+"'"), "status %q missing from check constraint", status)
	}
}

func TestUp(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	var gotDir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, dir string, _ ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	require.NoError(t, Up(context.Background(), nil, nil))
	assert.Equal(t, ".", gotDir)
}

func TestUp_Error(t *testing.T) {
	orig := gooseUpContext
	t.Cleanup(func() { gooseUpContext = orig })

	boom := errors.New("boom")
	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error { return boom }

	err := Up(context.Background(), nil, nil)
	assert.ErrorIs(t, err, boom)
}

func TestDown(t *testing.T) {
	orig := gooseDownContext
	t.Cleanup(func() { gooseDownContext = orig })

	called := false
	gooseDownContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		called = true
		return nil
	}

	require.NoError(t, Down(context.Background(), nil, nil))
	assert.True(t, called)
}

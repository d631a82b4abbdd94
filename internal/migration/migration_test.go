package migration

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/smallbiznis/recon/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)

	var versions []uint
	for {
		versions = append(versions, version)

		up, _, err := src.ReadUp(version)
		require.NoError(t, err, "up migration %d", version)
		body, err := io.ReadAll(up)
		require.NoError(t, err)
		_ = up.Close()
		assert.NotEmpty(t, strings.TrimSpace(string(body)))

		down, _, err := src.ReadDown(version)
		require.NoError(t, err, "down migration %d", version)
		_ = down.Close()

		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		require.NoError(t, err)
		version = next
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, versions)
}

func TestMigrationsCreateEveryModelTable(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	var ddl strings.Builder
	for version, err := src.First(); err == nil; version, err = src.Next(version) {
		up, _, readErr := src.ReadUp(version)
		require.NoError(t, readErr)
		body, readErr := io.ReadAll(up)
		require.NoError(t, readErr)
		_ = up.Close()
		ddl.Write(body)
	}

	conn := dbtest.Open(t)
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: conn}
		require.NoError(t, stmt.Parse(model))
		assert.Contains(t, ddl.String(), "CREATE TABLE IF NOT EXISTS "+stmt.Schema.Table+" (")
	}
}

func TestApplyAutoMigratesOutsidePostgres(t *testing.T) {
	conn := dbtest.Open(t)
	require.NoError(t, Apply(conn, zap.NewNop()))

	for _, table := range []string{
		"usage_events",
		"usage_quotas",
		"usage_summaries",
		"usage_report_attempts",
		"subscriptions",
		"subscription_items",
		"dunning_states",
		"scheduled_jobs",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}

	// idempotent on restart
	require.NoError(t, Apply(conn, zap.NewNop()))
}

// Package dbtest opens throwaway in-memory ledgers for package tests
package dbtest

import (
	"fmt"
	"testing"

	"github.com/zllovesuki/atelier/db"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// New returns an isolated in-memory SQLite database. The pool is pinned to a
// single connection so every query sees the same memory database.
func New(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", uuid.NewString())
	gdb, err := db.Open(zap.NewNop(), sqlite.Open(dsn))
	require.NoError(t, err)

	pool, err := gdb.DB()
	require.NoError(t, err)
	pool.SetMaxOpenConns(1)
	t.Cleanup(func() {
		pool.Close()
	})
	return gdb
}

package db_test

import (
	"database/sql"
	"testing"

	"github.com/zllovesuki/atelier/db"
	"github.com/zllovesuki/atelier/db/dbtest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
)

func TestTxOptionsPostgresIsSerializable(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	gdb, err := db.Open(zap.NewNop(), postgres.New(postgres.Config{Conn: conn}))
	require.NoError(t, err)

	opts := db.TxOptions(gdb)
	require.NotNil(t, opts)
	assert.Equal(t, sql.LevelSerializable, opts.Isolation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxOptionsSQLiteUsesDefault(t *testing.T) {
	assert.Nil(t, db.TxOptions(dbtest.New(t)))
}

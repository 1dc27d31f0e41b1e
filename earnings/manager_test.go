package earnings

import (
	"context"
	"testing"

	"github.com/zllovesuki/atelier/db/dbtest"
	"github.com/zllovesuki/atelier/errdefs"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestManager(t *testing.T) (*Manager, *gorm.DB) {
	db := dbtest.New(t)
	m, err := NewManager(zap.NewNop(), db)
	require.NoError(t, err)
	return m, db
}

func TestCreditIsKeyedOnPaymentIntent(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	credit := Credit{
		UserID:          "artist",
		Type:            TypeCommissionDeposit,
		Amount:          decimal.NewFromInt(100),
		SourceID:        "c1",
		PaymentIntentID: "pi_1",
		Description:     `Deposit for commission: "Portrait"`,
	}
	credited, err := m.Credit(ctx, nil, credit)
	require.NoError(t, err)
	assert.True(t, credited)

	credited, err = m.Credit(ctx, nil, credit)
	require.NoError(t, err)
	assert.False(t, credited)

	acct, err := m.GetAccount(ctx, "artist")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(100).Equal(acct.TotalEarnings), acct.TotalEarnings.String())
	assert.True(t, decimal.NewFromInt(100).Equal(acct.AvailableBalance))

	txns, err := m.ListTransactions(ctx, "artist")
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "completed", txns[0].Status)
	assert.Equal(t, "commission", txns[0].Source)
}

func TestCreditAccumulates(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Credit(ctx, nil, Credit{UserID: "artist", Type: TypeCommissionDeposit, Amount: decimal.RequireFromString("62.50"), PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	_, err = m.Credit(ctx, nil, Credit{UserID: "artist", Type: TypeCommissionFinal, Amount: decimal.RequireFromString("62.50"), PaymentIntentID: "pi_2"})
	require.NoError(t, err)

	acct, err := m.GetAccount(ctx, "artist")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(125).Equal(acct.TotalEarnings), acct.TotalEarnings.String())
}

func TestCreditRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	m, db := newTestManager(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := m.Credit(ctx, tx, Credit{UserID: "artist", Amount: decimal.NewFromInt(10), PaymentIntentID: "pi_1"})
		require.NoError(t, err)
		return gorm.ErrInvalidTransaction
	})
	require.Error(t, err)

	acct, err := m.GetAccount(ctx, "artist")
	require.NoError(t, err)
	assert.True(t, acct.TotalEarnings.IsZero())

	credited, err := m.Credit(ctx, nil, Credit{UserID: "artist", Amount: decimal.NewFromInt(10), PaymentIntentID: "pi_1"})
	require.NoError(t, err)
	assert.True(t, credited)
}

func TestCreditValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Credit(ctx, nil, Credit{UserID: "artist", Amount: decimal.NewFromInt(10)})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))
	_, err = m.Credit(ctx, nil, Credit{UserID: "artist", Amount: decimal.Zero, PaymentIntentID: "pi_1"})
	assert.True(t, errdefs.Is(err, errdefs.KindInvalidArgument))
}

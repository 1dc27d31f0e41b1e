package external

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestToCents(t *testing.T) {
	assert.Equal(t, int64(495), ToCents(decimal.RequireFromString("4.95")))
	assert.Equal(t, int64(13500), ToCents(decimal.NewFromInt(135)))
	assert.Equal(t, int64(100), ToCents(decimal.RequireFromString("0.995")))
	assert.Equal(t, int64(0), ToCents(decimal.Zero))
}

func TestFromCents(t *testing.T) {
	assert.True(t, decimal.RequireFromString("12.99").Equal(FromCents(1299)))
	assert.Equal(t, "100", FromCents(10000).String())
}

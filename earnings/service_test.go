package earnings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zllovesuki/atelier/auth"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServiceSummary(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Credit(context.Background(), nil, Credit{
		UserID:          "artist",
		Type:            TypeCommissionFinal,
		Amount:          decimal.RequireFromString("80.25"),
		SourceID:        "c1",
		PaymentIntentID: "pi_final",
	})
	require.NoError(t, err)

	s, err := NewService(ServiceOptions{EarningsManager: m, Logger: zap.NewNop()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), &auth.Claims{ID: "artist"}))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success bool          `json:"success"`
		Account Account       `json:"account"`
		Txns    []Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.True(t, decimal.RequireFromString("80.25").Equal(body.Account.TotalEarnings))
	require.Len(t, body.Txns, 1)
	assert.Equal(t, TypeCommissionFinal, body.Txns[0].Type)
}

package commission

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zllovesuki/atelier/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, f *fixture, userID string) *httptest.Server {
	s, err := NewService(ServiceOptions{
		CommissionManager: f.manager,
		Logger:            zap.NewNop(),
	})
	require.NoError(t, err)
	withUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{ID: userID})))
		})
	}
	srv := httptest.NewServer(withUser(s.Router()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (int, map[string]interface{}) {
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&decoded))
	return res.StatusCode, decoded
}

func TestServiceCommissionLifecycle(t *testing.T) {
	f := newFixture(t)
	client := newTestServer(t, f, clientID)
	artist := newTestServer(t, f, artistID)

	status, body := do(t, http.MethodPost, client.URL+"/", `{
		"artistId": "artist",
		"title": "Portrait",
		"description": "A portrait of my cat",
		"type": "painting",
		"specs": {"size": "large", "revisions": 1}
	}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])
	id, _ := body["commissionId"].(string)
	require.NotEmpty(t, id)

	status, _ = do(t, http.MethodPost, client.URL+"/"+id+"/complete", `{}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = do(t, http.MethodPost, artist.URL+"/"+id+"/complete", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = do(t, http.MethodPost, artist.URL+"/"+id+"/quote", `{"totalPrice":"0"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, http.MethodPost, artist.URL+"/"+id+"/quote", `{"totalPrice":"200","message":"Sounds fun"}`)
	require.Equal(t, http.StatusOK, status, body)

	status, body = do(t, http.MethodPost, client.URL+"/"+id+"/accept", ``)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, string(StatusAccepted), body["status"])
	pi, _ := body["paymentIntentId"].(string)
	require.NotEmpty(t, pi)
	assert.NotEmpty(t, body["clientSecret"])

	status, _ = do(t, http.MethodPost, client.URL+"/"+id+"/deposit/confirm", `{"paymentIntentId":"`+pi+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	f.gateway.SetPaymentIntentStatus(pi, stripe.PaymentIntentStatusSucceeded)
	status, _ = do(t, http.MethodPost, artist.URL+"/"+id+"/deposit/confirm", `{"paymentIntentId":"`+pi+`"}`)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = do(t, http.MethodPost, client.URL+"/"+id+"/deposit/confirm", `{"paymentIntentId":"`+pi+`"}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["success"])

	status, body = do(t, http.MethodGet, artist.URL+"/"+id, ``)
	require.Equal(t, http.StatusOK, status, body)
	commission, _ := body["commission"].(map[string]interface{})
	assert.Equal(t, string(StatusInProgress), commission["status"])

	status, _ = do(t, http.MethodPost, client.URL+"/"+id+"/cancel", `{"reason":"too slow"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServiceReadsAndMessages(t *testing.T) {
	f := newFixture(t)
	c := f.request(t)
	client := newTestServer(t, f, clientID)
	stranger := newTestServer(t, f, "stranger")

	status, _ := do(t, http.MethodGet, stranger.URL+"/"+c.ID, ``)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = do(t, http.MethodGet, client.URL+"/missing", ``)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = do(t, http.MethodPost, client.URL+"/"+c.ID+"/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPost, client.URL+"/"+c.ID+"/messages", `{"message":"Any update?"}`)
	require.Equal(t, http.StatusOK, status, body)
	msg, _ := body["message"].(map[string]interface{})
	assert.Equal(t, "Any update?", msg["message"])
	assert.Equal(t, "Cleo", msg["senderName"])

	status, body = do(t, http.MethodGet, client.URL+"/", ``)
	require.Equal(t, http.StatusOK, status, body)
	assert.Len(t, body["commissions"], 1)
}

func TestServiceSettingsAndPricing(t *testing.T) {
	f := newFixture(t)
	artist := newTestServer(t, f, artistID)

	status, _ := do(t, http.MethodPut, artist.URL+"/settings", `{"basePrice":"100","depositPercentage":"0"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := do(t, http.MethodPut, artist.URL+"/settings", `{
		"basePrice": "100",
		"typePricing": {"painting": "50"},
		"sizePricing": {"large": "30"},
		"depositPercentage": "50"
	}`)
	require.Equal(t, http.StatusOK, status, body)

	status, body = do(t, http.MethodPost, artist.URL+"/pricing", `{
		"artistId": "artist",
		"type": "painting",
		"specs": {"size": "large", "commercialUse": true, "revisions": 1}
	}`)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "270", body["totalPrice"])
	assert.Equal(t, "135", body["depositAmount"])

	status, _ = do(t, http.MethodPost, artist.URL+"/pricing", `{"artistId":"artist"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

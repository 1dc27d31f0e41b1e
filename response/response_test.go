package response

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zllovesuki/atelier/errdefs"

	extErrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteResponseMergesSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteResponse(rec, httptest.NewRequest(http.MethodGet, "/", nil), struct {
		SubscriptionID string `json:"subscriptionId"`
	}{"sub_1"})

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "sub_1", body["subscriptionId"])
}

func TestWriteResponseEmptyAndNonObject(t *testing.T) {
	assert.JSONEq(t, `{"success":true}`, string(withSuccess([]byte(`{}`))))
	assert.JSONEq(t, `{"success":true,"result":[1,2]}`, string(withSuccess([]byte(`[1,2]`))))
}

func TestWriteErrorStatusByKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errdefs.InvalidArgument("userId is required"), http.StatusBadRequest},
		{errdefs.Unauthenticated("no token"), http.StatusUnauthorized},
		{extErrors.Wrap(errdefs.PermissionDenied("not yours"), "Cannot change tier"), http.StatusForbidden},
		{errdefs.NotFound("commission c1"), http.StatusNotFound},
		{errdefs.FailedPrecondition("payment not succeeded"), http.StatusBadRequest},
		{errdefs.Gateway(fmt.Errorf("card_declined"), "Cannot charge"), http.StatusInternalServerError},
		{ErrMethodNotAllowed(), http.StatusMethodNotAllowed},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		WriteError(rec, httptest.NewRequest(http.MethodPost, "/", nil), c.err)
		assert.Equal(t, c.status, rec.Code, c.err.Error())

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.NotEmpty(t, body["error"])
	}
}

package response

import (
	"bytes"
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error   string      `json:"error"`
	Details []string    `json:"details,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// WriteError writes err as a JSON error body with the matching status code
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := FromError(err)
	body, _ := json.Marshal(errorBody{
		Error:   e.Message,
		Details: e.Messages,
		Result:  e.Result,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	w.Write(body)
}

// WriteResponse writes v as a JSON object with "success": true merged into it.
// Values that do not encode to a JSON object are placed under "result".
func WriteResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteError(w, r, ErrUnexpected().AddMessages("Unable to encode response"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(withSuccess(body))
}

func withSuccess(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		wrapped, _ := json.Marshal(struct {
			Success bool            `json:"success"`
			Result  json.RawMessage `json:"result"`
		}{true, trimmed})
		return wrapped
	}
	inner := bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	if len(inner) == 0 {
		return []byte(`{"success":true}`)
	}
	out := make([]byte, 0, len(trimmed)+16)
	out = append(out, `{"success":true,`...)
	out = append(out, inner...)
	out = append(out, '}')
	return out
}

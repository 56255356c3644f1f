// Package testutil holds the HTTP request plumbing shared by the
// handler tests.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// DoRequest runs one request through h and returns the recorded
// response.
func DoRequest(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// GetJSON performs a GET against h, requires a 200, and decodes the
// JSON body into out.
func GetJSON(t *testing.T, h http.Handler, target string, out interface{}) {
	t.Helper()
	rr := DoRequest(h, http.MethodGet, target)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), out))
}

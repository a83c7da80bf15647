package httputil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, http.StatusNotFound, "notification not found")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "notification not found", body["error"])
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string) (map[string]string, error) {
		var v map[string]string
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(httptest.NewRecorder(), r, &v)
		return v, err
	}

	v, err := decode(`{"user_id":"u1"}`)
	require.NoError(t, err)
	assert.Equal(t, "u1", v["user_id"])

	_, err = decode(``)
	assert.ErrorIs(t, err, io.EOF)

	_, err = decode(`{"user_id":`)
	assert.ErrorContains(t, err, "invalid request body")

	_, err = decode(`{"a":"b"} {"c":"d"}`)
	assert.ErrorContains(t, err, "trailing data")
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	var v map[string]string
	body := `{"x":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	assert.Error(t, DecodeJSON(httptest.NewRecorder(), r, &v))
}

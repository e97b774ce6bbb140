package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var body struct {
		Principal string `json:"principal_id"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"principal_id":"abc"}`))
	require.NoError(t, ParseJSON(r, &body))
	assert.Equal(t, "abc", body.Principal)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	assert.Error(t, ParseJSON(r, &body), "unknown fields are rejected")

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.NoError(t, ParseJSON(r, &body), "empty body is allowed")
}

func TestParseJSONOrError(t *testing.T) {
	var body map[string]string
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))

	ok := ParseJSONOrError(w, r, &body)

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParsePathUUID(t *testing.T) {
	id := uuid.New()

	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": id.String()})
	got, err := ParsePathUUID(r, "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	r = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "not-a-uuid"})
	_, err = ParsePathUUID(r, "id")
	assert.Error(t, err)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = ParsePathUUID(r, "id")
	assert.ErrorContains(t, err, "missing path parameter")
}

func TestParsePathUUIDOrError(t *testing.T) {
	w := httptest.NewRecorder()
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "42"})

	_, ok := ParsePathUUIDOrError(w, r, "id")

	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestParseQueryBool(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?fresh=true&bad=maybe", nil)

	v, err := ParseQueryBool(r, "fresh", false)
	require.NoError(t, err)
	assert.True(t, v)

	v, err = ParseQueryBool(r, "missing", true)
	require.NoError(t, err)
	assert.True(t, v)

	_, err = ParseQueryBool(r, "bad", false)
	assert.Error(t, err)
}

func TestParsePathInt64(t *testing.T) {
	r := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "42"})
	got, err := ParsePathInt64(r, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	w := httptest.NewRecorder()
	r = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "abc"})
	_, ok := ParsePathInt64OrError(w, r, "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

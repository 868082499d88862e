package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield-dev/casesync/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, AuthToken: "tok-1"})
}

func TestCreateSendsAuthAndDecodesRecord(t *testing.T) {
	var gotAuth, gotPath, gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(RemoteRecord{CloudID: "c1", Payload: []byte(`{"a":1}`), UpdatedAt: 100})
	})

	rv, err := client.Create(context.Background(), "case", []byte(`{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "/case", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "c1", rv.CloudID)
	assert.EqualValues(t, 100, rv.UpdatedAt)
}

func TestUpdateTargetsCloudID(t *testing.T) {
	var gotPath, gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewEncoder(w).Encode(RemoteRecord{CloudID: "c1", UpdatedAt: 200})
	})

	rv, err := client.Update(context.Background(), "case", "c1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "/case/c1", gotPath)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.EqualValues(t, 200, rv.UpdatedAt)
}

func TestDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.Delete(context.Background(), "case", "gone")
	assert.NoError(t, err)
}

func TestFetchDecodesListAndQuery(t *testing.T) {
	var gotQuery url.Values
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode([]RemoteRecord{
			{CloudID: "c1", UpdatedAt: 100},
			{CloudID: "c2", UpdatedAt: 200},
		})
	})

	q := url.Values{}
	q.Set("updated_since", "50")
	records, err := client.Fetch(context.Background(), "case", q)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "50", gotQuery.Get("updated_since"))
	assert.Equal(t, "c2", records[1].CloudID)
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		code   errors.ErrorCode
	}{
		{http.StatusUnauthorized, errors.ErrAuthExpired},
		{http.StatusForbidden, errors.ErrAuthExpired},
		{http.StatusNotFound, errors.ErrNotFound},
		{http.StatusBadRequest, errors.ErrValidation},
		{http.StatusUnprocessableEntity, errors.ErrValidation},
		{http.StatusConflict, errors.ErrValidation},
		{http.StatusInternalServerError, errors.ErrServerError},
		{http.StatusBadGateway, errors.ErrServerError},
	}

	for _, tt := range tests {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := client.Get(context.Background(), "case", "c1")
		require.Error(t, err, "status %d", tt.status)
		assert.True(t, errors.Is(err, tt.code), "status %d classified as %s, want %s",
			tt.status, errors.CodeOf(err), tt.code)
	}
}

func TestTransportFailureIsNetworkUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on
	client := NewClient(Config{BaseURL: srv.URL})

	_, err := client.Get(context.Background(), "case", "c1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkUnavailable), "got %s", errors.CodeOf(err))
}

func TestErrorBodyMessageSurfaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"title is required"}`))
	})

	_, err := client.Create(context.Background(), "case", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title is required")
}

func TestCallHitsCustomEndpoint(t *testing.T) {
	var gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	rv, err := client.Call(context.Background(), http.MethodPost, "case/c1/archive", []byte(`{}`))
	require.NoError(t, err)
	assert.Nil(t, rv)
	assert.Equal(t, "/case/c1/archive", gotPath)
}

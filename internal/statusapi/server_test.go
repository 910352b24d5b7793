package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracehost/internal/ids"
	"tracehost/internal/provider"
)

type fakeRegistry struct{ providers []*provider.Provider }

func (r *fakeRegistry) Providers() []*provider.Provider { return r.providers }

func TestHealthzReturnsOK(t *testing.T) {
	s := NewServer(&fakeRegistry{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestProvidersListsRegisteredProviders(t *testing.T) {
	p := provider.New("Local System", nil, ids.LocalSystem, nil)
	s := NewServer(&fakeRegistry{providers: []*provider.Provider{p}})

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var views []providerView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Local System", views[0].Name)
	assert.Equal(t, "local", views[0].Kind)
}

func TestProvidersEmptyBeforeRegistrySet(t *testing.T) {
	s := NewServer(nil)

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.JSONEq(t, "[]", rec.Body.String())
}

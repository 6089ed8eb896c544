package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocidist/ocidist/ociclient/errdef"
)

func TestClient_Do_BearerViaDistributionEndpoint(t *testing.T) {
	var tokenCalls, registryCalls int

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		assert.Equal(t, "registry", r.URL.Query().Get("service"))
		assert.Equal(t, "repository:app:pull", r.URL.Query().Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token":"tok-xyz"}`))
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		registryCalls++
		if r.Header.Get("Authorization") == "Bearer tok-xyz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="registry",scope="repository:app:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/app/manifests/latest", nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, registryCalls)
	assert.Equal(t, 1, tokenCalls)

	scheme, ok := c.Cache().Scheme(req.URL.Host)
	require.True(t, ok)
	assert.Equal(t, SchemeBearer, scheme)
}

func TestClient_Do_BearerViaRefreshTokenGrant(t *testing.T) {
	var tokenCalls int

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "rt", r.FormValue("refresh_token"))
		assert.Equal(t, "svc", r.FormValue("service"))
		assert.Equal(t, DefaultClientID, r.FormValue("client_id"))
		assert.Equal(t, "repository:test:pull", r.FormValue("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at"}`))
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer at" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="svc",scope="repository:test:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	c.Credentials = CredentialProviderFunc(func(ctx context.Context, host string) (Credential, error) {
		return Credential{RefreshToken: "rt"}, nil
	})

	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/test/manifests/latest", nil)
	require.NoError(t, err)
	resp, err := c.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tokenCalls)

	// the cached token is injected up front: no second token exchange.
	req2, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/test/manifests/latest", nil)
	require.NoError(t, err)
	resp2, err := c.Do(req2)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, 1, tokenCalls)
}

func TestClient_Do_BearerViaPasswordGrant(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "password", r.FormValue("grant_type"))
		assert.Equal(t, "alice", r.FormValue("username"))
		assert.Equal(t, "hunter2", r.FormValue("password"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"granted-tok"}`))
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer granted-tok" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	c.Credentials = CredentialProviderFunc(func(ctx context.Context, host string) (Credential, error) {
		return Credential{Username: "alice", Password: "hunter2"}, nil
	})

	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/app/manifests/latest", nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Do_BasicAuth(t *testing.T) {
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok && user == "alice" && pass == "hunter2" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	c.Credentials = NewStaticCredentialStore(nil)
	store := c.Credentials.(*StaticCredentialStore)

	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/app/manifests/latest", nil)
	require.NoError(t, err)
	store.Set(req.URL.Host, Credential{Username: "alice", Password: "hunter2"})

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	scheme, ok := c.Cache().Scheme(req.URL.Host)
	require.True(t, ok)
	assert.Equal(t, SchemeBasic, scheme)
}

func TestClient_Do_TokenEndpointFailureCarriesErrorArray(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":[{"code":"DENIED","message":"requested access to the resource is denied"},{"code":"UNAUTHORIZED","message":"authentication required"}]}`))
	}))
	defer tokenSrv.Close()

	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenSrv.URL+`",service="svc"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	c.Credentials = CredentialProviderFunc(func(ctx context.Context, host string) (Credential, error) {
		return Credential{RefreshToken: "rt"}, nil
	})

	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/app/manifests/latest", nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.Error(t, err)

	var respErr *errdef.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, http.StatusForbidden, respErr.StatusCode)
	assert.Equal(t, http.MethodPost, respErr.Method)
	require.Len(t, respErr.Errors, 2)
	assert.Equal(t, "DENIED", respErr.Errors[0].Code)
	assert.Equal(t, "UNAUTHORIZED", respErr.Errors[1].Code)
	assert.ErrorIs(t, err, errdef.ErrAuthentication)
}

func TestClient_Do_SecondUnauthorizedIsReturnedAsIs(t *testing.T) {
	registrySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Basic realm="registry"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer registrySrv.Close()

	c := NewClient()
	c.Credentials = NewStaticCredentialStore(map[string]Credential{})
	req, err := http.NewRequest(http.MethodGet, registrySrv.URL+"/v2/app/manifests/latest", nil)
	require.NoError(t, err)
	c.Credentials.(*StaticCredentialStore).Set(req.URL.Host, Credential{Username: "alice", Password: "wrong"})

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

package authclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suriyaganapathi/Ai-Loan-Call/internal/domain"
)

func TestLoginDecodesTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/auth/login", r.URL.Path)
		var creds Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
		assert.Equal(t, Credentials{Username: "alice", Password: "pw"}, creds)

		_, _ = w.Write([]byte(`{"access_token":"A1","refresh_token":"R1","token_type":"bearer","user":{"username":"alice","role":"admin"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", 0)
	result, err := client.Login(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, domain.TokenPair{AccessToken: "A1", RefreshToken: "R1"}, result.Tokens)
	assert.Equal(t, "alice", result.User.Username)
}

func TestLoginAcceptsCamelCaseTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"accessToken":"A1","refreshToken":"R1"}`))
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL, 0).Login(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "A1", result.Tokens.AccessToken)
	assert.Equal(t, "R1", result.Tokens.RefreshToken)
}

func TestLoginFailureCarriesDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Invalid username or password"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).Login(context.Background(), Credentials{Username: "alice", Password: "bad"})

	var httpErr *domain.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
	assert.Equal(t, "Invalid username or password", domain.UserMessage(err))
}

func TestRefreshSendsTokenInQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		assert.Equal(t, "R1", r.URL.Query().Get("refresh_token"))
		_, _ = w.Write([]byte(`{"access_token":"A2","token_type":"bearer"}`))
	}))
	defer srv.Close()

	pair, err := NewClient(srv.URL, 0).Refresh(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.TokenPair{AccessToken: "A2"}, pair)
}

func TestRegisterValidationDetailList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":[{"msg":"field required","loc":["body","password"]}]}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, 0).Register(context.Background(), Credentials{Username: "bob"})
	var httpErr *domain.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "field required", httpErr.Detail)
}

func TestLogoutSendsBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, 0).Logout(context.Background(), "A1"))
	assert.Equal(t, "Bearer A1", auth)
}

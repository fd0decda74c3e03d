package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bastion/core/credentials"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/registry"
)

func TestHTTPIdentityProvider(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("code") != "good" || r.PostForm.Get("client_secret") != "cs" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Write([]byte(`{"access_token":"at-1","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":4711,"login":"alice","email":"alice@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := credentials.ProviderCredential{
		Provider: "github", ClientID: "cid", ClientSecret: "cs",
		TokenURL: srv.URL + "/token", UserInfoURL: srv.URL + "/user", Enabled: true,
	}
	idp := NewHTTPIdentityProvider(5 * time.Second)
	ctx := context.Background()

	token, err := idp.ExchangeCode(ctx, p, "good")
	require.NoError(t, err)
	assert.Equal(t, "at-1", token)

	_, err = idp.ExchangeCode(ctx, p, "bad")
	assert.ErrorContains(t, err, "bad_verification_code")

	user, err := idp.FetchUserInfo(ctx, p, token)
	require.NoError(t, err)
	assert.Equal(t, NormalizedUser{Subject: "4711", Email: "alice@example.com", Name: "alice"}, user)

	_, err = idp.FetchUserInfo(ctx, p, "wrong")
	assert.Error(t, err)
}

func TestSecretFromRegistry(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	reg := registry.New(csql.New(sqlDB, "bastion"))

	mock.ExpectQuery(`SELECT value, timestamp FROM "bastion"."_registry_"`).
		WithArgs("_jwt_:hs256").
		WillReturnRows(sqlmock.NewRows([]string{"value", "timestamp"}))
	mock.ExpectExec(`INSERT INTO "bastion"."_registry_"`).
		WithArgs("_jwt_:hs256", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	secret, err := SecretFromRegistry(context.Background(), reg)
	require.NoError(t, err)
	assert.Len(t, secret, 48)
	assert.NoError(t, mock.ExpectationsWereMet())
}

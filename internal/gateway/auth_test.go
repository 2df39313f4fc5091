package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenVerifier_Verify(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		expectInvalid bool
		expectError   bool
	}{
		{name: "Valid Token", statusCode: http.StatusOK},
		{name: "Unauthorized", statusCode: http.StatusUnauthorized, expectInvalid: true, expectError: true},
		{name: "Forbidden", statusCode: http.StatusForbidden, expectInvalid: true, expectError: true},
		{name: "Server Error", statusCode: http.StatusBadGateway, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth, gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				gotPath = r.URL.Path
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(`{"id":"1"}`))
			}))
			defer srv.Close()

			err := NewTokenVerifier(srv.URL+"/").Verify(context.Background(), "secret-token")

			assert.Equal(t, "secret-token", gotAuth)
			assert.Equal(t, "/users/@me", gotPath)
			if !tt.expectError {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.expectInvalid, errors.Is(err, ErrInvalidToken))
		})
	}
}

func TestTokenVerifier_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewTokenVerifier(url).Verify(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken)
}

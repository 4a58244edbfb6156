package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		header  string
		want    string
		wantErr string
	}{
		{name: "bearer", header: "Bearer test-key", want: "test-key"},
		{name: "padded", header: "Bearer   spaced  ", want: "spaced"},
		{name: "missing", wantErr: "missing Authorization header"},
		{name: "basic", header: "Basic abc", wantErr: "invalid Authorization header format"},
		{name: "empty token", header: "Bearer   ", wantErr: "missing API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://example.test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	tokens := []TokenConfig{
		{Token: "writer-token", Scopes: []string{ScopeSubmissionsRW, " "}},
		{Token: "events-token", Scopes: []string{ScopeEventsRead}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeEventsRead))

	p, ok = Authenticate("writer-token", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeSubmissionsRead), "rw implies ro")
	assert.True(t, HasAnyScope(p, ScopeSubmissionsRW))
	assert.False(t, HasAnyScope(p, ScopeEventsRead))
	assert.Len(t, p.Scopes, 2)

	p, ok = Authenticate("events-token", "", tokens)
	require.True(t, ok)
	assert.False(t, HasAnyScope(p, ScopeSubmissionsRead))
	assert.True(t, HasAnyScope(p), "no required scopes")

	_, ok = Authenticate("wrong", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key never matches")
}

func TestPrincipalContext(t *testing.T) {
	t.Parallel()

	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	p := Principal{Token: "abcdefgh"}
	got, ok := PrincipalFromContext(WithPrincipal(context.Background(), p))
	require.True(t, ok)
	assert.Equal(t, "****efgh", got.Name())
	assert.Equal(t, "****", Principal{Token: "ab"}.Name())
}

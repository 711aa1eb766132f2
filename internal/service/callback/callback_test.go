package callback

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("tokens in fragment", func(t *testing.T) {
		res := Parse("https://app.valis.dev/auth/callback#access_token=A&refresh_token=B&expires_in=3600&expires_at=1767225600&token_type=bearer")

		require.Equal(t, KindTokens, res.Kind)
		assert.Equal(t, "A", res.AccessToken)
		assert.Equal(t, "B", res.RefreshToken)
		assert.Equal(t, "bearer", res.TokenType)
		assert.Equal(t, int64(3600), res.ExpiresIn)
		assert.Equal(t, int64(1767225600), res.ExpiresAt)
		assert.Equal(t, "https://app.valis.dev/auth/callback", res.CleanURL, "fragment must be removed")
	})

	t.Run("error in query", func(t *testing.T) {
		res := Parse("https://app.valis.dev/auth/callback?error=access_denied&error_description=User+cancelled")

		require.Equal(t, KindError, res.Kind)
		assert.Equal(t, "access_denied", res.Code)
		assert.Equal(t, "User cancelled", res.Description)
		assert.Equal(t, "https://app.valis.dev/auth/callback", res.CleanURL)
	})

	t.Run("error in fragment", func(t *testing.T) {
		res := Parse("https://app.valis.dev/#error=server_error&error_code=otp_expired&error_description=Email+link+is+invalid+or+has+expired")

		require.Equal(t, KindError, res.Kind)
		assert.Equal(t, "server_error", res.Code)
		assert.Equal(t, "Email link is invalid or has expired", res.Description)
		assert.Equal(t, "https://app.valis.dev/", res.CleanURL)
	})

	t.Run("error code used when error missing", func(t *testing.T) {
		res := Parse("https://app.valis.dev/auth/callback?error_code=otp_expired&error_description=expired")

		require.Equal(t, KindError, res.Kind)
		assert.Equal(t, "otp_expired", res.Code)
	})

	t.Run("tokens win over error", func(t *testing.T) {
		res := Parse("https://app.valis.dev/auth/callback?error=x#access_token=A&refresh_token=B")

		assert.Equal(t, KindTokens, res.Kind)
	})

	t.Run("unrelated query survives scrubbing", func(t *testing.T) {
		res := Parse("https://app.valis.dev/auth/callback?next=%2Fprojects&error=access_denied&error_code=401#access_token=A")

		assert.Equal(t, KindError, res.Kind)
		assert.Equal(t, "https://app.valis.dev/auth/callback?next=%2Fprojects", res.CleanURL)
	})

	none := []struct {
		name string
		url  string
	}{
		{name: "plain url", url: "https://app.valis.dev/projects?tab=docs"},
		{name: "only access token", url: "https://app.valis.dev/#access_token=A"},
		{name: "only refresh token", url: "https://app.valis.dev/#refresh_token=B"},
		{name: "empty", url: ""},
		{name: "unparsable", url: "http://[::1]:namedport"},
	}

	for _, tt := range none {
		t.Run("none for "+tt.name, func(t *testing.T) {
			res := Parse(tt.url)

			assert.Equal(t, KindNone, res.Kind)
			assert.Empty(t, res.AccessToken)
			assert.Empty(t, res.Code)
		})
	}

	t.Run("plain url left intact", func(t *testing.T) {
		res := Parse("https://app.valis.dev/projects?tab=docs&b=1")

		assert.Equal(t, "https://app.valis.dev/projects?tab=docs&b=1", res.CleanURL)
	})
}

func TestResult_Response(t *testing.T) {
	res := Parse("https://app.valis.dev/#access_token=A&refresh_token=B&expires_in=60")

	resp := res.Response()

	assert.True(t, resp.HasTokens())
	assert.Equal(t, int64(60), resp.ExpiresIn)
	assert.Nil(t, resp.User)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "tokens", KindTokens.String())
	assert.Equal(t, "error", KindError.String())
	assert.Equal(t, "none", KindNone.String())
}

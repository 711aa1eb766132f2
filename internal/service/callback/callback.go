// Package callback reads the outcome of an identity provider redirect from the landing URL
package callback

import (
	"net/url"
	"strconv"

	"github.com/nkiryanov/valisauth/internal/models"
)

type Kind int

const (
	KindNone Kind = iota
	KindTokens
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTokens:
		return "tokens"
	case KindError:
		return "error"
	default:
		return "none"
	}
}

// Query and fragment parameters scrubbed from the URL after handling
var scrubbed = []string{"error", "error_description", "error_code"}

type Result struct {
	Kind Kind

	// Set for KindTokens
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	ExpiresAt    int64

	// Set for KindError
	Code        string
	Description string

	// Input URL with the fragment and error parameters removed
	CleanURL string
}

// Response converts a token result to the shape the provider token endpoint answers with
func (r Result) Response() models.AuthResponse {
	return models.AuthResponse{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
		ExpiresIn:    r.ExpiresIn,
		ExpiresAt:    r.ExpiresAt,
	}
}

// Parse inspects a redirect URL
// Tokens come from the fragment, errors from the query or the fragment
// Unparsable input is KindNone
func Parse(rawURL string) Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{Kind: KindNone, CleanURL: rawURL}
	}

	res := Result{Kind: KindNone, CleanURL: cleanURL(u)}

	fragment, _ := url.ParseQuery(u.Fragment)
	query := u.Query()

	access := fragment.Get("access_token")
	refresh := fragment.Get("refresh_token")
	if access != "" && refresh != "" {
		res.Kind = KindTokens
		res.AccessToken = access
		res.RefreshToken = refresh
		res.TokenType = fragment.Get("token_type")
		res.ExpiresIn, _ = strconv.ParseInt(fragment.Get("expires_in"), 10, 64)
		res.ExpiresAt, _ = strconv.ParseInt(fragment.Get("expires_at"), 10, 64)
		return res
	}

	for _, params := range []url.Values{query, fragment} {
		if !params.Has("error") && !params.Has("error_description") {
			continue
		}
		res.Kind = KindError
		res.Code = params.Get("error")
		if res.Code == "" {
			res.Code = params.Get("error_code")
		}
		res.Description = params.Get("error_description")
		return res
	}

	return res
}

func cleanURL(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""

	q := c.Query()
	dirty := false
	for _, key := range scrubbed {
		if q.Has(key) {
			q.Del(key)
			dirty = true
		}
	}
	if dirty {
		c.RawQuery = q.Encode()
	}
	return c.String()
}

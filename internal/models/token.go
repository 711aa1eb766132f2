package models

// Token pair persisted in the credential store
// Both fields are present or both are empty, a half pair is treated as no pair
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (p TokenPair) IsZero() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Complete reports whether both tokens are present
func (p TokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Successful answer of the identity provider token, signup and verify endpoints
type AuthResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"` // seconds
	ExpiresAt    int64  `json:"expires_at,omitempty"` // unix seconds
	User         *User  `json:"user,omitempty"`
}

// HasTokens reports whether the response carries a full token pair
// Signup without auto-confirm and some OTP types answer with a user only
func (r AuthResponse) HasTokens() bool {
	return r.AccessToken != "" && r.RefreshToken != ""
}

func (r AuthResponse) Pair() TokenPair {
	return TokenPair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
}

// One-time password types understood by the provider verify and resend endpoints
const (
	OTPTypeSignup      = "signup"
	OTPTypeRecovery    = "recovery"
	OTPTypeMagicLink   = "magiclink"
	OTPTypeInvite      = "invite"
	OTPTypeEmailChange = "email_change"
)

type OTPParams struct {
	Email string `json:"email" validate:"required,email"`
	Token string `json:"token" validate:"required"`
	Type  string `json:"type" validate:"omitempty,oneof=signup recovery magiclink invite email_change"`
}

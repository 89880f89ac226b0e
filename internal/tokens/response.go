package tokens

import "time"

// Response is the token endpoint's success payload per RFC 6749
// section 5.1.
type Response struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewResponse assembles a success payload from a minted token pair.
func NewResponse(accessToken, refreshToken string, expiresAt time.Time, scope string) *Response {
	return &Response{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(expiresAt).Seconds()),
		RefreshToken: refreshToken,
		Scope:        scope,
	}
}

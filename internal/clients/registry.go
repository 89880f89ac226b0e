// Package clients implements OAuth 2.0 Dynamic Client Registration per
// RFC 7591 and redirect-URI allow-listing for registered clients.
package clients

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/taskbridge/taskbridge/internal/storage"
	"github.com/taskbridge/taskbridge/internal/store"
)

// Error codes per RFC 7591 section 3.2.2.
const (
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
)

// Defaults applied when registration metadata leaves fields unset.
var (
	defaultGrantTypes    = []string{"authorization_code", "refresh_token"}
	defaultResponseTypes = []string{"code"}
)

const defaultAuthMethod = "none"

// RegistrationError reports a rejected registration request as a single
// structured error.
type RegistrationError struct {
	Code        string
	Description string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Metadata is the client-supplied registration request body.
type Metadata struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
}

// Registry performs dynamic registration against the session store.
type Registry struct {
	store *store.Store
}

// NewRegistry creates a registry backed by the given store.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Register validates the metadata, applies defaults, generates a client id
// (and, for confidential clients, a secret that is returned exactly once),
// and persists the registration.
func (r *Registry) Register(meta Metadata) (*storage.RegisteredClient, error) {
	if len(meta.RedirectURIs) == 0 {
		return nil, &RegistrationError{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: "redirect_uris is required and must be a non-empty array",
		}
	}
	for _, raw := range meta.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, &RegistrationError{
				Code:        ErrorCodeInvalidRedirectURI,
				Description: fmt.Sprintf("redirect URI %q is not a valid absolute URI", raw),
			}
		}
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = defaultAuthMethod
	}
	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = defaultGrantTypes
	}
	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = defaultResponseTypes
	}

	client := &storage.RegisteredClient{
		ClientID:                uuid.NewString(),
		RedirectURIs:            append([]string(nil), meta.RedirectURIs...),
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		ClientName:              meta.ClientName,
		CreatedAt:               time.Now(),
	}

	// Public clients (auth method "none") get no secret. Anything else is
	// confidential: generate a secret now, it is never re-displayed.
	if authMethod != defaultAuthMethod {
		secret, err := generateClientSecret()
		if err != nil {
			return nil, fmt.Errorf("generating client secret: %w", err)
		}
		client.ClientSecret = secret
	}

	r.store.CreateClient(client)
	return client, nil
}

// Token-endpoint check failures.
var (
	// ErrInvalidClientCredentials means a confidential client presented
	// missing or wrong credentials with a token request.
	ErrInvalidClientCredentials = errors.New("invalid client credentials")

	// ErrGrantTypeNotAllowed means the client did not register for the
	// requested grant type.
	ErrGrantTypeNotAllowed = errors.New("grant type not registered for client")
)

// CheckGrant validates a token request against the registration of the
// client the grant artifact was issued to. Unregistered client ids pass,
// the same permissive posture as IsValidRedirectURI. Registered clients
// whose auth method is not "none" must present their client_id and
// client_secret with the request, and every registered client is held to
// its registered grant_types.
func (r *Registry) CheckGrant(clientID, grantType, presentedID, presentedSecret string) error {
	client := r.store.GetClient(clientID)
	if client == nil {
		return nil
	}
	if client.TokenEndpointAuthMethod != defaultAuthMethod {
		idOK := subtle.ConstantTimeCompare([]byte(presentedID), []byte(client.ClientID)) == 1
		secretOK := subtle.ConstantTimeCompare([]byte(presentedSecret), []byte(client.ClientSecret)) == 1
		if presentedSecret == "" || !idOK || !secretOK {
			return ErrInvalidClientCredentials
		}
	}
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return nil
		}
	}
	return ErrGrantTypeNotAllowed
}

// IsValidRedirectURI reports whether uri is acceptable for the client. For
// an unregistered client id it returns true (a deliberate
// backward-compatibility shim, not a security default); registered clients
// get an exact-match check against their allow-list.
func (r *Registry) IsValidRedirectURI(clientID, uri string) bool {
	client := r.store.GetClient(clientID)
	if client == nil {
		return true
	}
	for _, allowed := range client.RedirectURIs {
		if allowed == uri {
			return true
		}
	}
	return false
}

// GetClient returns a registered client, or nil.
func (r *Registry) GetClient(clientID string) *storage.RegisteredClient {
	return r.store.GetClient(clientID)
}

func generateClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

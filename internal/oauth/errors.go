package oauth

import "errors"

// Error taxonomy for the client registry and the authorization-code flow.
// Handlers map these onto RFC 6749 error codes.
var (
	ErrInvalidClient        = errors.New("invalid_client")
	ErrInvalidGrant         = errors.New("invalid_grant")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrInvalidRedirectURI   = errors.New("invalid_redirect_uri")
	ErrUnsupportedGrantType = errors.New("unsupported_grant_type")
	// ErrMethodNotSupported rejects any PKCE challenge method other than
	// S256; plain-text challenges are never accepted.
	ErrMethodNotSupported = errors.New("method_not_supported")
)

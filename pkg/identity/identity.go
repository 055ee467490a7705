// Package identity reads the calling principal supplied by the trusted front proxy.
package identity

import (
	"errors"
	"strings"
)

// Header carries the authenticated principal on every operations request.
const Header = "X-Principal"

var ErrMissingPrincipal = errors.New("missing principal")

// Parse returns the principal named by a header value.
func Parse(raw string) (string, error) {
	principal := strings.TrimSpace(raw)
	if principal == "" {
		return "", ErrMissingPrincipal
	}

	return principal, nil
}

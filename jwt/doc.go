// Package jwt mints and verifies the access tokens whose revocation the
// guard engine enforces. Every token carries a jti claim so the
// blocklist can address it without persisting token material.
package jwt

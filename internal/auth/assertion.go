package auth

import (
	"crypto/rsa"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// assertionTTL is the validity of a client-assertion JWT. Kept short; the
// assertion is minted fresh for every token request.
const assertionTTL = 5 * time.Minute

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// buildClientAssertion mints the signed JWT presented to the token endpoint
// in place of a client secret: iss/sub are the client ID, aud is the token
// endpoint, jti is unique per request.
func buildClientAssertion(key *rsa.PrivateKey, clientID, tokenURL string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    clientID,
		Subject:   clientID,
		Audience:  jwt.ClaimStrings{tokenURL},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", &Error{Description: "sign client assertion", Err: err}
	}
	return signed, nil
}

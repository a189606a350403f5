package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/lestrrat-go/jwx/jwk"
)

// JWTTokenValidator is a concrete implementation of TokenValidator for JWT tokens.
type JWTTokenValidator struct {
	mu      sync.RWMutex
	keySet  jwk.Set
	jwksURL string
	devMode bool
}

// NewTokenValidator creates a new JWT token validator with the given JWKS URL.
// An empty URL yields a development-mode validator that extracts the subject
// without verifying the signature.
func NewTokenValidator(jwksURL string) (TokenValidator, error) {
	if jwksURL == "" {
		return &JWTTokenValidator{devMode: true}, nil
	}

	keySet, err := jwk.Fetch(context.Background(), jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}

	return &JWTTokenValidator{
		keySet:  keySet,
		jwksURL: jwksURL,
	}, nil
}

// RefreshKeys refreshes the JWKS from the URL.
func (v *JWTTokenValidator) RefreshKeys() error {
	if v.jwksURL == "" {
		return ErrNoJWKS
	}

	keySet, err := jwk.Fetch(context.Background(), v.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to refresh JWKS from %s: %w", v.jwksURL, err)
	}

	v.mu.Lock()
	v.keySet = keySet
	v.mu.Unlock()
	return nil
}

func (v *JWTTokenValidator) lookupKey(kid string) (jwk.Key, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.keySet == nil {
		return nil, false
	}
	return v.keySet.LookupKeyID(kid)
}

// ValidateToken validates a JWT token and returns the user ID.
func (v *JWTTokenValidator) ValidateToken(tokenString string) (string, error) {
	// Development mode: extract the subject without verification.
	if v.devMode {
		token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}

		claims, ok := token.Claims.(*StandardClaims)
		if !ok || claims.Sub == "" {
			return "", fmt.Errorf("%w: no subject (sub) found in token claims", ErrInvalidToken)
		}
		return claims.Sub, nil
	}

	// Parse the token header to get the key ID without validation.
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, &StandardClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: failed to parse token header: %v", ErrInvalidToken, err)
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return "", fmt.Errorf("%w: token header missing kid", ErrInvalidToken)
	}

	key, found := v.lookupKey(kid)
	if !found {
		// The signing key may have rotated since startup.
		if err := v.RefreshKeys(); err != nil {
			return "", fmt.Errorf("%w: key with ID %s not found and failed to refresh keys: %v", ErrInvalidToken, kid, err)
		}
		key, found = v.lookupKey(kid)
		if !found {
			return "", fmt.Errorf("%w: key with ID %s not found", ErrInvalidToken, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return "", fmt.Errorf("%w: failed to get raw key: %v", ErrInvalidToken, err)
	}

	validatedToken, err := jwt.ParseWithClaims(
		tokenString,
		&StandardClaims{},
		func(token *jwt.Token) (interface{}, error) {
			return rawKey, nil
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := validatedToken.Claims.(*StandardClaims)
	if !ok || !validatedToken.Valid {
		return "", ErrInvalidToken
	}

	if !claims.VerifyExpiresAt(time.Now(), true) {
		return "", ErrExpiredToken
	}

	if claims.Sub == "" {
		return "", fmt.Errorf("%w: no subject (sub) found in token claims", ErrInvalidToken)
	}

	return claims.Sub, nil
}

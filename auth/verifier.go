// Package auth verifies wallet-derived bearer tokens.
//
// Verification is an ordered list of strategies: the primary asymmetric
// scheme (public key, used by the token issuer since the key rotation) and a
// secondary symmetric scheme kept for tokens minted under the old shared
// secret. A token is accepted by the first strategy that validates it.
package auth

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"ethshot-chat/domain"
	"ethshot-chat/errors"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the verified identity extracted from a token.
type Claims struct {
	Account   string
	ExpiresAt time.Time
}

// Strategy is one pure verification attempt: token in, claims or error out.
type Strategy struct {
	Name   string
	Verify func(tokenString string) (jwt.MapClaims, error)
}

type Verifier struct {
	strategies []Strategy
	log        *slog.Logger
}

// accountClaims are the claim names recognized as the wallet identity,
// in priority order.
var accountClaims = []string{"wallet_address", "walletAddress", "address", "sub"}

// NewVerifier builds the strategy list from the configured key material.
// With neither a public key nor a secret the verifier cannot exist: this is
// a configuration error and the caller must fail closed at startup.
func NewVerifier(publicKeyPEM, secret string, log *slog.Logger) (*Verifier, error) {
	var strategies []Strategy

	if publicKeyPEM != "" {
		strategy, err := asymmetricStrategy([]byte(publicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parsing JWT public key: %w", err)
		}
		strategies = append(strategies, strategy)
	}
	if secret != "" {
		strategies = append(strategies, symmetricStrategy([]byte(secret)))
	}
	if len(strategies) == 0 {
		return nil, errors.ErrNoVerifier
	}
	return &Verifier{strategies: strategies, log: log}, nil
}

// Verify runs the strategies in priority order and extracts the canonical
// account identifier. A token that validates but carries no address-shaped
// identity is invalid, not anonymous.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	var lastErr error
	for _, strategy := range v.strategies {
		claims, err := strategy.Verify(tokenString)
		if err != nil {
			v.log.Debug("token verification strategy failed",
				"strategy", strategy.Name, "err", err)
			lastErr = err
			continue
		}

		account, ok := extractAccount(claims)
		if !ok {
			return Claims{}, errors.ErrNoAccountInToken
		}

		expiry := time.Time{}
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expiry = exp.Time
		}
		return Claims{Account: account, ExpiresAt: expiry}, nil
	}
	return Claims{}, fmt.Errorf("%w: %v", errors.ErrInvalidToken, lastErr)
}

// PeekAccount returns the claimed, UNVERIFIED account identifier.
// Diagnostic use only; never an authorization input.
func (v *Verifier) PeekAccount(tokenString string) (string, bool) {
	claims, ok := peekClaims(tokenString)
	if !ok {
		return "", false
	}
	return extractAccount(claims)
}

// PeekExpiry returns the claimed, UNVERIFIED expiry. Diagnostic use only.
func (v *Verifier) PeekExpiry(tokenString string) (time.Time, bool) {
	claims, ok := peekClaims(tokenString)
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func peekClaims(tokenString string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, false
	}
	return claims, true
}

func extractAccount(claims jwt.MapClaims) (string, bool) {
	for _, name := range accountClaims {
		raw, ok := claims[name].(string)
		if !ok || raw == "" {
			continue
		}
		if account, valid := domain.CanonicalAccount(raw); valid {
			return account, true
		}
	}
	return "", false
}

// asymmetricStrategy accepts RSA, ECDSA, or Ed25519 public keys in PEM form
// and restricts the token to the matching signing methods.
func asymmetricStrategy(pemBytes []byte) (Strategy, error) {
	var (
		key     any
		methods []string
	)
	if rsaKey, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		key, methods = rsaKey, []string{"RS256", "RS384", "RS512"}
	} else if ecKey, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		key, methods = ecKey, []string{"ES256", "ES384", "ES512"}
	} else if edKey, err := jwt.ParseEdPublicKeyFromPEM(pemBytes); err == nil {
		key, methods = edKey, []string{"EdDSA"}
	} else {
		return Strategy{}, stderrors.New("unsupported public key format")
	}

	return Strategy{
		Name: "asymmetric",
		Verify: func(tokenString string) (jwt.MapClaims, error) {
			return parseWith(tokenString, key, methods)
		},
	}, nil
}

func symmetricStrategy(secret []byte) Strategy {
	return Strategy{
		Name: "symmetric",
		Verify: func(tokenString string) (jwt.MapClaims, error) {
			return parseWith(tokenString, secret, []string{"HS256", "HS384", "HS512"})
		},
	}
}

func parseWith(tokenString string, key any, methods []string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(methods))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

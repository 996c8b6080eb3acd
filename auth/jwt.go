package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the JWT claims the request layer cares about. The subject is the
// library owner's user id; everything downstream is scoped by it.
type Claims struct {
	Sub           string `json:"sub"`
	Iss           string `json:"iss"`
	Exp           int64  `json:"exp"`
	Iat           int64  `json:"iat"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// JWKS is the JSON Web Key Set response from the identity provider.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWTValidator validates bearer tokens with either an HMAC secret or the
// issuer's published RSA keys.
type JWTValidator struct {
	secret         []byte
	allowedIssuers []string
	httpClient     *http.Client
}

func NewJWTValidator(secret string, allowedIssuers []string) *JWTValidator {
	return &JWTValidator{
		secret:         []byte(secret),
		allowedIssuers: allowedIssuers,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// ValidateToken validates a token string and returns its claims.
func (v *JWTValidator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	// Parse unverified first to learn the issuer for the JWKS URL.
	parser := jwt.NewParser()
	unverifiedToken, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	unverifiedClaims, ok := unverifiedToken.Claims.(*Claims)
	if !ok {
		return nil, errors.New("failed to extract claims from token")
	}
	jwksURL := unverifiedClaims.Iss + "/protocol/openid-connect/certs"

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			kid, ok := token.Header["kid"].(string)
			if !ok {
				return nil, errors.New("token missing kid header")
			}
			return v.rsaPublicKeyFromJWKS(kid, jwksURL)
		}
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			return v.secret, nil
		}
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return nil, errors.New("token has expired")
	}

	if len(v.allowedIssuers) > 0 {
		valid := false
		for _, iss := range v.allowedIssuers {
			if claims.Iss == iss {
				valid = true
				break
			}
		}
		if !valid {
			return nil, fmt.Errorf("invalid issuer: %s", claims.Iss)
		}
	}

	return claims, nil
}

// UserID extracts the library owner's id from validated claims.
func (v *JWTValidator) UserID(claims *Claims) string {
	return claims.Sub
}

func (v *JWTValidator) rsaPublicKeyFromJWKS(kid, jwksURL string) (*rsa.PublicKey, error) {
	resp, err := v.httpClient.Get(jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	for _, key := range jwks.Keys {
		if key.Kid == kid && key.Kty == "RSA" {
			return parseRSAPublicKey(key)
		}
	}
	return nil, fmt.Errorf("no RSA key found with kid: %s in JWKS from %s", kid, jwksURL)
}

func parseRSAPublicKey(key JWK) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

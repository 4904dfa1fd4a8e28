package api

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/pbkdf2"
)

// adminTokenTTL bounds one admin session.
const adminTokenTTL = 24 * time.Hour

const adminTokenSalt = "gemini-biz-admin-session"

// adminSigningKey stretches the configured session secret into a signing key.
func adminSigningKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(adminTokenSalt), 4096, 32, sha256.New)
}

// issueAdminToken mints a signed admin session token.
func issueAdminToken(secret string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(adminSigningKey(secret))
}

// verifyAdminToken checks signature, expiry, and subject.
func verifyAdminToken(secret, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return adminSigningKey(secret), nil
	})
	if err != nil {
		return err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid token")
	}
	if claims.Subject != "admin" {
		return fmt.Errorf("unexpected subject")
	}
	return nil
}

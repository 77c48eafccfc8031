// Copyright 2024 The Gitea Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package common

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

type cacheClaims struct {
	jwt.RegisteredClaims
	Scp string `json:"scp"`
}

// CreateAuthorizationToken signs a token for the given subject, valid for ttl.
func CreateAuthorizationToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := cacheClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Scp: "BuildCache.ReadWrite",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(secret)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// RequestToken extracts the raw token from either the Authorization (Bearer) or x-authorization header.
func RequestToken(req *http.Request) (string, error) {
	if h := req.Header.Get("x-authorization"); h != "" {
		return h, nil
	}
	h := req.Header.Get("Authorization")
	if h == "" {
		return "", nil
	}

	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		log.Errorf("split token failed: %s", parts[0])
		return "", fmt.Errorf("split token failed")
	}
	return parts[1], nil
}

// ParseAuthorizationToken validates the request token against secret and returns its subject.
func ParseAuthorizationToken(req *http.Request, secret []byte) (string, error) {
	raw, err := RequestToken(req)
	if err != nil {
		return "", err
	}
	if raw == "" {
		return "", fmt.Errorf("missing token")
	}

	token, err := jwt.ParseWithClaims(raw, &cacheClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}

	c, ok := token.Claims.(*cacheClaims)
	if !token.Valid || !ok {
		return "", fmt.Errorf("invalid token claim")
	}

	return c.Subject, nil
}

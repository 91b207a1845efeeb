package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokengen mints a bearer token for the permission API. It is meant for
// operators and service accounts; interactive users get their tokens
// from the platform login.
func main() {
	var (
		username = flag.String("username", "", "Username to put in the token subject")
		ttl      = flag.Duration("ttl", 0, "Token lifetime (defaults to PERMSEAL_AUTH_TOKEN_TTL or 12h)")
		secret   = flag.String("secret", "", "Signing secret (defaults to PERMSEAL_AUTH_JWT_SECRET)")
	)
	flag.Parse()

	if *username == "" {
		flag.Usage()
		os.Exit(1)
	}

	signingSecret := *secret
	if signingSecret == "" {
		signingSecret = os.Getenv("PERMSEAL_AUTH_JWT_SECRET")
	}
	if signingSecret == "" {
		log.Fatal("No signing secret: set -secret or PERMSEAL_AUTH_JWT_SECRET")
	}

	lifetime := *ttl
	if lifetime == 0 {
		lifetime = 12 * time.Hour
		if raw := os.Getenv("PERMSEAL_AUTH_TOKEN_TTL"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				log.Fatalf("Invalid PERMSEAL_AUTH_TOKEN_TTL: %v", err)
			}
			lifetime = parsed
		}
	}

	claims := jwt.RegisteredClaims{
		Subject:   *username,
		Issuer:    "permseal",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(signingSecret))
	if err != nil {
		log.Fatalf("Failed to sign token: %v", err)
	}

	fmt.Printf("\nToken for %s:\n\n%s\n\n", *username, tokenString)
	fmt.Printf("Expires: %s\n", claims.ExpiresAt.Format(time.RFC822))
}

package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// EntropyBytes is the number of random bytes behind each generated token.
	EntropyBytes = 32

	// EncodedLength is the length of a well-formed token string.
	EncodedLength = EntropyBytes * 2
)

// Pair holds a freshly generated session/refresh token pair. The two values
// are statistically independent; neither is ever reused across rotations.
type Pair struct {
	SessionToken string
	RefreshToken string
}

// GeneratePair returns two independent opaque tokens from crypto/rand.
//
// A failing random source is fatal for the calling flow: GeneratePair returns
// the error unmodified and never substitutes a weaker source.
func GeneratePair() (Pair, error) {
	session, err := generate()
	if err != nil {
		return Pair{}, fmt.Errorf("generate session token: %w", err)
	}

	refresh, err := generate()
	if err != nil {
		return Pair{}, fmt.Errorf("generate refresh token: %w", err)
	}

	return Pair{SessionToken: session, RefreshToken: refresh}, nil
}

func generate() (string, error) {
	var raw [EntropyBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw[:]), nil
}

// IsValidFormat reports whether a token is syntactically well formed:
// exact length, lowercase hex alphabet. It says nothing about liveness.
func IsValidFormat(tok string) bool {
	if len(tok) != EncodedLength {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

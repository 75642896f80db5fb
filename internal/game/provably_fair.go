package game

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

const (
	MIN_MULTIPLIER = 1.00
	MAX_MULTIPLIER = 1000000.00
	HOUSE_EDGE     = 0.01 // 1% instant-crash probability
)

// CrashPoint derives a round's crash multiplier from the committed server
// seed, the client seed and the round nonce. Deterministic and reproducible;
// unpredictable until the server seed is revealed at crash time.
func CrashPoint(serverSeed, clientSeed string, nonce int64) float64 {
	data := fmt.Sprintf("%s:%d", clientSeed, nonce)
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(data))
	hashHex := hex.EncodeToString(h.Sum(nil))

	// First 16 hex characters = 64 uniform bits.
	i := new(big.Int)
	i.SetString(hashHex[:16], 16)

	const maxUint64F = 18446744073709551616.0
	r := float64(i.Uint64()) / maxUint64F

	// House edge as a fixed chance of an immediate 1.00x bust.
	if r < HOUSE_EDGE {
		return MIN_MULTIPLIER
	}

	// Heavy tail: floor(K/(1-r))/100. Guard r -> 1, where the quotient
	// is unbounded.
	if 1.0-r < 1e-9 {
		return MAX_MULTIPLIER
	}
	crash := math.Floor(100.0*(1.0-HOUSE_EDGE)/(1.0-r)) / 100.0

	if crash < MIN_MULTIPLIER {
		return MIN_MULTIPLIER
	}
	if crash > MAX_MULTIPLIER {
		return MAX_MULTIPLIER
	}
	return crash
}

// GenerateSeed creates a cryptographically secure random seed.
func GenerateSeed() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// HashCommitment is the SHA256 commitment published before betting opens.
func HashCommitment(seed string) string {
	h := sha256.New()
	h.Write([]byte(seed))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyRound lets any observer recompute a revealed round's crash point
// and check it against the claimed value.
func VerifyRound(serverSeed, clientSeed string, nonce int64, claimed float64) bool {
	calculated := CrashPoint(serverSeed, clientSeed, nonce)
	diff := calculated - claimed
	if diff < 0 {
		diff = -diff
	}
	return diff < 0.01
}

// VerifyCommitment checks that a revealed server seed matches the
// commitment published at round start.
func VerifyCommitment(serverSeed, commitment string) bool {
	return HashCommitment(serverSeed) == commitment
}

// Package sha256 derives stable listing identifiers with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/JakeFAU/jobsweep/internal/harvest"
)

// idLength is the number of hex characters kept for listing IDs.
const idLength = 16

// Hasher hashes arbitrary payloads.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint digests a set of listing IDs independent of their order, so
// two runs that found the same listings share a fingerprint.
func (h *Hasher) Fingerprint(ids []string) (string, error) {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return h.Hash([]byte(strings.Join(sorted, "\n")))
}

// ItemID returns a short stable identifier for a listing so consumers can
// recognize the same posting across runs. The URL identifies a listing when
// present; otherwise title, company and location do.
func ItemID(it harvest.Item) string {
	parts := []string{strings.ToLower(it.Site)}
	if it.URL != "" {
		parts = append(parts, it.URL)
	} else {
		parts = append(parts, norm(it.Title), norm(it.Company), norm(it.Location))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])[:idLength]
}

func norm(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

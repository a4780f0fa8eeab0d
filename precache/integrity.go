package precache

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"

	"github.com/opencontainers/go-digest"
)

// verifyIntegrity checks body against integrity metadata. Two forms are
// accepted: a digest such as "sha256:<hex>", and subresource integrity
// metadata such as "sha384-<base64>", which may list several hashes.
// Metadata without any known algorithm passes.
func verifyIntegrity(integrity string, body []byte) error {
	integrity = strings.TrimSpace(integrity)
	if integrity == "" {
		return nil
	}
	if strings.Contains(integrity, ":") {
		d, err := digest.Parse(integrity)
		if err != nil {
			return fmt.Errorf("invalid digest %q: %w", integrity, err)
		}
		if d.Algorithm().FromBytes(body) != d {
			return fmt.Errorf("%w: expected %s", ErrIntegrityMismatch, d)
		}
		return nil
	}

	known := false
	for _, token := range strings.Fields(integrity) {
		alg, expected, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		// options follow a question mark and are ignored
		expected, _, _ = strings.Cut(expected, "?")
		var h hash.Hash
		switch alg {
		case "sha256":
			h = sha256.New()
		case "sha384":
			h = sha512.New384()
		case "sha512":
			h = sha512.New()
		default:
			continue
		}
		known = true
		h.Write(body)
		if base64.StdEncoding.EncodeToString(h.Sum(nil)) == expected {
			return nil
		}
	}
	if !known {
		return nil
	}
	return fmt.Errorf("%w: expected %s", ErrIntegrityMismatch, integrity)
}

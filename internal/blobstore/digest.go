package blobstore

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

const sha256HexLen = 64

// ValidateDigest checks that a digest is well-formed and uses SHA-256.
// Other algorithms are rejected: the store's on-disk layout and the catalog
// both assume sha256:<64 lowercase hex>.
func ValidateDigest(dgst digest.Digest) error {
	if err := dgst.Validate(); err != nil {
		return fmt.Errorf("blobstore: invalid digest %q: %w", dgst, err)
	}

	if dgst.Algorithm() != digest.SHA256 {
		return fmt.Errorf("blobstore: unsupported digest algorithm %q", dgst.Algorithm())
	}

	if len(dgst.Encoded()) != sha256HexLen {
		return fmt.Errorf("blobstore: invalid digest length %d", len(dgst.Encoded()))
	}

	return nil
}

// ParseDigest parses and validates a digest string of the form
// "sha256:<64 hex>".
func ParseDigest(s string) (digest.Digest, error) {
	dgst := digest.Digest(s)
	if err := ValidateDigest(dgst); err != nil {
		return "", err
	}

	return dgst, nil
}

// ComputeDigest reads r to EOF and returns the SHA-256 digest of its content.
func ComputeDigest(r io.Reader) (digest.Digest, error) {
	dgst, err := digest.SHA256.FromReader(r)
	if err != nil {
		return "", fmt.Errorf("blobstore: computing digest: %w", err)
	}

	return dgst, nil
}

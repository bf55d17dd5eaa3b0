package blobstore

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// verifyingReader wraps a blob reader and recomputes the digest as data is
// consumed. The check fires exactly once, either when the underlying reader
// reports EOF or when Close drains the remainder. Every byte handed to the
// caller is covered by the check before EOF is surfaced.
type verifyingReader struct {
	inner    io.ReadCloser
	verifier digest.Verifier
	tee      io.Reader
	expected digest.Digest
	checked  bool
	err      error
}

func newVerifyingReader(inner io.ReadCloser, dgst digest.Digest) *verifyingReader {
	v := dgst.Verifier()

	return &verifyingReader{
		inner:    inner,
		verifier: v,
		tee:      io.TeeReader(inner, v),
		expected: dgst,
	}
}

func (r *verifyingReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.tee.Read(p)
	if err == io.EOF {
		if verr := r.verify(); verr != nil {
			r.err = verr
			return n, verr
		}
	}

	return n, err
}

// verify runs the digest comparison once.
func (r *verifyingReader) verify() error {
	if r.checked {
		return r.err
	}

	r.checked = true

	if !r.verifier.Verified() {
		r.err = fmt.Errorf("reading %s: %w", r.expected, ErrDigestMismatch)
	}

	return r.err
}

// Close drains any unread bytes so the digest check covers the whole blob,
// then verifies and closes the underlying reader.
func (r *verifyingReader) Close() error {
	var verifyErr error

	if !r.checked {
		if _, err := io.Copy(io.Discard, r.tee); err != nil {
			r.inner.Close()
			return err
		}

		verifyErr = r.verify()
	} else {
		verifyErr = r.err
	}

	if closeErr := r.inner.Close(); closeErr != nil {
		return closeErr
	}

	return verifyErr
}

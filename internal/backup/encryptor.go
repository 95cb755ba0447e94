package backup

import "io"

// Encryptor optionally encrypts the packaged artifact before it is
// staged. Implementations must stream; artifacts can be large.
type Encryptor interface {
	// Encrypt wraps w so that everything written to the returned writer
	// is stored encrypted. The returned writer must be closed to flush.
	Encrypt(w io.Writer) (io.WriteCloser, error)

	// Suffix is appended to the artifact filename (e.g. ".age").
	// An empty suffix means encryption is disabled.
	Suffix() string
}

// NopEncryptor passes data through unchanged.
type NopEncryptor struct{}

func (NopEncryptor) Encrypt(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (NopEncryptor) Suffix() string { return "" }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

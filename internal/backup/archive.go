package backup

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Manifest describes the contents of a packaged artifact. It is written
// into the archive as manifest.json.
type Manifest struct {
	Database   string    `json:"database"`
	CapturedAt time.Time `json:"captured_at"`
	TableCount int       `json:"table_count"`
	Files      []string  `json:"files"`
}

// packageArchive bundles the dump files and the manifest into a single
// tar.gz at archivePath, streaming the output through the encryptor.
// Returns the archive size and its SHA-256 checksum (computed over the
// bytes as stored, i.e. after encryption).
func packageArchive(archivePath string, manifest Manifest, files []string, encryptor Encryptor) (int64, string, error) {
	out, err := os.Create(archivePath)
	if err != nil {
		return 0, "", fmt.Errorf("creating archive: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, hasher)}

	enc, err := encryptor.Encrypt(counter)
	if err != nil {
		return 0, "", fmt.Errorf("initializing encryption: %w", err)
	}

	gz := gzip.NewWriter(enc)
	tw := tar.NewWriter(gz)

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return 0, "", fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarBytes(tw, "manifest.json", manifestData, manifest.CapturedAt); err != nil {
		return 0, "", err
	}

	for _, path := range files {
		if err := writeTarFile(tw, path); err != nil {
			return 0, "", err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, "", fmt.Errorf("closing tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, "", fmt.Errorf("closing gzip stream: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, "", fmt.Errorf("closing encryption stream: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("closing archive: %w", err)
	}

	return counter.n, hex.EncodeToString(hasher.Sum(nil)), nil
}

func writeTarBytes(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stating %s: %w", path, err)
	}

	hdr := &tar.Header{
		Name:    filepath.Base(path),
		Mode:    0644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archiving %s: %w", path, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

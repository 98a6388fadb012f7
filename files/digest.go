package files

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// NewDigest returns the whole-file digest used on both ends of a transfer.
func NewDigest() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only reachable with an oversized key.
		panic(err)
	}
	return h
}

// DigestBytes returns the hex BLAKE2b-256 of data.
func DigestBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DigestFile streams a file through the transfer digest.
func DigestFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for digest: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	h := NewDigest()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("digest file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const AlgorithmSHA256 = "sha256"

// Checksum returns the algorithm-tagged digest of the blob bytes.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return FormatChecksum(AlgorithmSHA256, hex.EncodeToString(sum[:]))
}

func FormatChecksum(algorithm, digest string) string {
	return strings.ToLower(strings.TrimSpace(algorithm)) + ":" + strings.ToLower(strings.TrimSpace(digest))
}

// ParseChecksum splits a "<algorithm>:<hex>" line.
func ParseChecksum(line string) (string, string, error) {
	line = strings.TrimSpace(line)
	algorithm, digest, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", fmt.Errorf("checksum %q: missing algorithm prefix", line)
	}
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	digest = strings.ToLower(strings.TrimSpace(digest))
	if algorithm != AlgorithmSHA256 {
		return "", "", fmt.Errorf("checksum %q: unsupported algorithm %q", line, algorithm)
	}
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != sha256.Size*2 {
		return "", "", fmt.Errorf("checksum %q: malformed digest", line)
	}
	return algorithm, digest, nil
}

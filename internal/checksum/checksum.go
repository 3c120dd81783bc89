package checksum

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// bufferSize for streaming reads
const bufferSize = 32 * 1024

// Sum streams a reader through SHA-256 and returns the hex digest.
// Cancellation is checked between chunks so a pulled medium does not
// wedge the pass.
func Sum(ctx context.Context, reader io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, bufferSize)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			if _, hashErr := h.Write(buf[:n]); hashErr != nil {
				return "", fmt.Errorf("hash write error: %w", hashErr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read error: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile returns the SHA-256 hex digest of a file's content
func SumFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return Sum(ctx, f)
}

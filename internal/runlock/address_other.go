//go:build !linux

package runlock

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

func socketAddress(name string) string {
	sum := sha256.Sum256([]byte(name))
	return filepath.Join(os.TempDir(), "phantomctl-"+hex.EncodeToString(sum[:8])+".lock")
}

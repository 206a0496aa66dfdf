package slot

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// LockFilePath returns the lock file path for slotKey under lockDir,
// matching the reference portal's sha256(slot_key)[:16]+".lock" naming
// so the on-disk layout under /run/rfc2217/locks stays compatible with
// tooling that inspects it.
func LockFilePath(lockDir, slotKey string) string {
	sum := sha256.Sum256([]byte(slotKey))
	return filepath.Join(lockDir, hex.EncodeToString(sum[:])[:16]+".lock")
}

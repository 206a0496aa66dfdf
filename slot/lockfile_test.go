package slot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockFilePath_IsStableAndDistinctPerKey(t *testing.T) {
	a := LockFilePath("/run/rfc2217/locks", "key-a")
	b := LockFilePath("/run/rfc2217/locks", "key-b")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, LockFilePath("/run/rfc2217/locks", "key-a"))
	assert.Equal(t, "/run/rfc2217/locks", filepath.Dir(a))
	assert.Len(t, filepath.Base(a), len("0123456789abcdef")+len(".lock"))
}

package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)
	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestFingerprintIgnoresCaseAndWhitespace(t *testing.T) {
	t.Parallel()

	h := New()
	a := h.Fingerprint("A function   is a\nnamed block of code.")
	b := h.Fingerprint("  a FUNCTION is a named block\tof code.  ")
	require.Equal(t, a, b)
	require.Len(t, a, 64)
	require.NotEqual(t, a, h.Fingerprint("A method is a named block of code."))

	digest, err := h.Hash([]byte("a function is a named block of code."))
	require.NoError(t, err)
	require.Equal(t, digest, a)
}

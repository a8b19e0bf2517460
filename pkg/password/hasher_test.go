package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/bcrypt"
)

func TestBcryptHasher_HashAndVerify(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("s3cret-pass")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", hash)

	match, err := hasher.Verify("s3cret-pass", hash)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = hasher.Verify("wrong-pass", hash)
	require.NoError(t, err)
	assert.False(t, match, "a mismatch must not be reported as an error")
}

func TestBcryptHasher_EmptyInputs(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)

	_, err := hasher.Hash("")
	assert.Error(t, err)

	_, err = hasher.Verify("", "hash")
	assert.Error(t, err)

	_, err = hasher.Verify("password", "")
	assert.Error(t, err)
}

func TestBcryptHasher_MalformedHash(t *testing.T) {
	hasher := NewBcryptHasher(bcrypt.MinCost)

	match, err := hasher.Verify("password", "not-a-bcrypt-hash")
	assert.Error(t, err)
	assert.False(t, match)
}

package crypto_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/sectionrepeat/internal/crypto"
)

func TestHashVectors(t *testing.T) {
	tests := []struct {
		value, salt, want string
	}{
		// SHA-256("abc")
		{"ab", "c", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{"abc", "", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		// SHA-256("")
		{"", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, crypto.Hash(tt.value, tt.salt))
	}
}

func TestHashDependsOnSalt(t *testing.T) {
	assert.NotEqual(t, crypto.Hash("dQw4w9WgXcQ", "salt-a"), crypto.Hash("dQw4w9WgXcQ", "salt-b"))
}

func TestNewSalt(t *testing.T) {
	salt, err := crypto.NewSalt(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 32)))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(salt)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, crypto.SaltSize), raw)

	random, err := crypto.NewSalt(nil)
	require.NoError(t, err)
	assert.Len(t, random, 24)
}

func TestNewSaltEntropyFailure(t *testing.T) {
	_, err := crypto.NewSalt(iotest.ErrReader(errors.New("no entropy")))
	assert.ErrorIs(t, err, crypto.ErrEntropy)

	_, err = crypto.NewSalt(bytes.NewReader([]byte{1, 2, 3}))
	assert.ErrorIs(t, err, crypto.ErrEntropy)
}

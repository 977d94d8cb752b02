package secret_test

import (
	"testing"

	"github.com/effective-security/p11helper/x/secret"
	"github.com/stretchr/testify/assert"
)

func TestZero(t *testing.T) {
	pin := []byte("1234")
	secret.Zero(pin)
	assert.Equal(t, []byte{0, 0, 0, 0}, pin)

	assert.NotPanics(t, func() {
		secret.Zero(nil)
	})
}

func TestDup(t *testing.T) {
	assert.Nil(t, secret.Dup(nil))
	assert.Nil(t, secret.Dup([]byte{}))

	src := []byte{1, 2, 3}
	d := secret.Dup(src)
	assert.Equal(t, src, d)
	d[0] = 9
	assert.Equal(t, byte(1), src[0])
}

func TestEqual(t *testing.T) {
	assert.True(t, secret.Equal([]byte("abc"), []byte("abc")))
	assert.False(t, secret.Equal([]byte("abc"), []byte("abd")))
	assert.False(t, secret.Equal([]byte("abc"), []byte("ab")))
	assert.True(t, secret.Equal(nil, []byte{}))
}

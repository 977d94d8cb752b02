package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMain(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := 0
	exit := func(c int) {
		rc = c
	}

	realMain([]string{"p11-tool", "version"}, out, errout, exit)
	assert.Equal(t, 80, rc)
	assert.Equal(t, "p11-tool: error: unexpected argument version\n", errout.String())
	assert.Empty(t, out.String())
}

func TestNoConfig(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := 0
	exit := func(c int) {
		rc = c
	}

	realMain([]string{"p11-tool", "provider", "list"}, out, errout, exit)
	assert.NotEqual(t, 0, rc)
	assert.Contains(t, errout.String(), "use --cfg flag to specify PKCS#11 config file")
}

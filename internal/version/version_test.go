package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	v := Current()
	assert.NotEmpty(t, v.Version)
	assert.Equal(t, runtime.Version(), v.GoVersion)
	assert.Contains(t, v.String(), v.Version+" (")
}

func TestString(t *testing.T) {
	assert.Equal(t, "v1.2.3 (abcdef0, go1.26)", Info{Version: "v1.2.3", Commit: "abcdef0", GoVersion: "go1.26"}.String())
	assert.Equal(t, "v1.2.3 (go1.26)", Info{Version: "v1.2.3", GoVersion: "go1.26"}.String())
}

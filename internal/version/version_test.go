package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	assert.Equal(t, "edgefix dev (commit: abc)", Info{Version: "dev", Commit: "abc"}.String())
	assert.Equal(t, "edgefix 1.4.0 (commit: abc, built 2024-05-01)",
		Info{Version: "1.4.0", Commit: "abc", BuildDate: "2024-05-01"}.String())
}

func TestGet(t *testing.T) {
	assert.Equal(t, Info{Version: Version, Commit: Commit, BuildDate: BuildDate}, Get())
}

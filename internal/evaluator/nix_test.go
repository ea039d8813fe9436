package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteSelector(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{".#ci.build", ".#tasks.x86_64-linux.ci.build"},
		{".#", ".#tasks.x86_64-linux"},
		{"github:org/repo#deploy", "github:org/repo#tasks.x86_64-linux.deploy"},
		{"./sub", "./sub#tasks.x86_64-linux"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rewriteSelector(tt.in, "x86_64-linux"), tt.in)
	}
}

func TestNixString(t *testing.T) {
	assert.Equal(t, `"{\"deps\":{}}"`, nixString(`{"deps":{}}`))
	assert.Equal(t, `"\${HOME} a\\b\nc"`, nixString("${HOME} a\\b\nc"))
}

func TestRealiseFilters(t *testing.T) {
	assert.True(t, bareStorePath.MatchString("/nix/store/0123456789abcdfghijklmnpqrsvwxyz-bash-5.2"))
	assert.False(t, bareStorePath.MatchString("these 2 paths will be fetched"))
	assert.False(t, bareStorePath.MatchString("/nix/store/short-bash"))

	assert.True(t, gcWarning.MatchString("warning: you did not specify '--add-root'; the result might be removed by the garbage collector"))
	assert.False(t, gcWarning.MatchString("error: build failed"))
}

func TestUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"/a", "/b"}, uniquePaths([]string{"/a", "", "/b", "/a"}))
}

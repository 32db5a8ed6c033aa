package devenv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	plain, err := ResolvePath("out/results.db")
	require.NoError(t, err)
	require.Equal(t, "out/results.db", plain)

	root, err := GetWorkspaceRoot()
	require.NoError(t, err)

	resolved, err := ResolvePath("<dev_state>/resty/vass")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "dev", ".state", "resty", "vass"), resolved)
}

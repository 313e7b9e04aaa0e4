//go:build linux

package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnescapeMountinfo(t *testing.T) {
	assert.Equal(t, "/media/alice/My Stick", unescapeMountinfo(`/media/alice/My\040Stick`))
	assert.Equal(t, "/plain", unescapeMountinfo("/plain"))
	assert.Equal(t, `/trailing\04`, unescapeMountinfo(`/trailing\04`))
}

func TestUnixExecutorReadsMountinfo(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))
	mountinfo := "22 1 8:1 / / rw,relatime - ext4 /dev/sda1 rw\n" +
		"40 22 8:17 / /media/alice/0781-5567-s_ABC rw,nosuid - vfat /dev/sdb1 rw\n" +
		"41 22 8:33 / /media/bob/My\\040Disk rw - vfat /dev/sdc1 rw\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "self", "mountinfo"), []byte(mountinfo), 0o644))

	e := UnixExecutor{ProcRoot: root}
	mounted, err := e.IsMounted("/media/alice/0781-5567-s_ABC/")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = e.IsMounted("/media/alice")
	require.NoError(t, err)
	assert.False(t, mounted)

	under, err := e.MountsUnder("/media")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/media/alice/0781-5567-s_ABC", "/media/bob/My Disk"}, under)
}

func TestUnixExecutorFindsHolders(t *testing.T) {
	root := t.TempDir()
	pidDir := filepath.Join(root, "4242")
	require.NoError(t, os.MkdirAll(filepath.Join(pidDir, "fd"), 0o755))
	require.NoError(t, os.Symlink("/", filepath.Join(pidDir, "cwd")))
	require.NoError(t, os.Symlink("/media/alice/stick/doc.txt", filepath.Join(pidDir, "fd", "3")))

	other := filepath.Join(root, "4343")
	require.NoError(t, os.MkdirAll(filepath.Join(other, "fd"), 0o755))
	require.NoError(t, os.Symlink("/media/alice/stick2", filepath.Join(other, "cwd")))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	pids, err := UnixExecutor{ProcRoot: root}.Holders("/media/alice/stick")
	require.NoError(t, err)
	assert.Equal(t, []int{4242}, pids)
}

package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitkeep"), []byte(""), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial")
	return dir
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	g := NewGateway(newTestRepo(t))
	require.NoError(t, g.Write("pkg/foo.go", "package pkg\n"))

	got, err := g.Read("pkg/foo.go")
	require.NoError(t, err)
	assert.Equal(t, "package pkg\n", got)
}

func TestReadReportsBinaryMarker(t *testing.T) {
	dir := newTestRepo(t)
	g := NewGateway(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	got, err := g.Read("blob.bin")
	require.NoError(t, err)
	assert.Equal(t, "[Binary file]", got)
}

func TestCommitAdvancesHEAD(t *testing.T) {
	g := NewGateway(newTestRepo(t))
	require.NoError(t, g.Write("a.go", "package a\n"))

	sha, err := g.Commit(context.Background(), "add a.go")
	require.NoError(t, err)
	assert.NotEmpty(t, sha)
}

func TestResetDiscardsUncommittedChanges(t *testing.T) {
	g := NewGateway(newTestRepo(t))
	require.NoError(t, g.Write("a.go", "package a\n"))

	require.NoError(t, g.Reset(context.Background()))

	_, err := os.Stat(filepath.Join(g.repoDir, "a.go"))
	assert.True(t, os.IsNotExist(err))
}

func TestTreeEnumeratesFilesExcludingGitDir(t *testing.T) {
	g := NewGateway(newTestRepo(t))
	require.NoError(t, g.Write("a.go", "package a\n"))
	require.NoError(t, g.Write("sub/b.go", "package sub\n"))

	tree, err := g.Tree()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".gitkeep", "a.go", "sub/b.go"}, tree.Leaves())
}

package mirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxycache/internal/cache"
	"proxycache/internal/model"
)

func TestHook_WritesFilesWithoutPush(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{OutputDir: dir}, zerolog.Nop())

	snap := cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a"}, LatencyMS: 10},
	})
	p.Hook(snap)

	raw, err := os.ReadFile(filepath.Join(dir, "all_working.txt"))
	require.NoError(t, err, "expected all_working.txt to be written")
	assert.Equal(t, "vless://a", string(raw))

	_, err = os.ReadFile(filepath.Join(dir, "all_working.b64"))
	require.NoError(t, err, "expected all_working.b64 to be written")
}

func TestHook_NilSnapshotDoesNotPanic(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{OutputDir: dir}, zerolog.Nop())
	p.Hook(nil)
}

func TestEnsureRepo_NoopWhenGitDirPresent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0755))

	p := New(Config{OutputDir: dir, PushEnabled: true, RepoURL: "https://example.com/repo.git", Token: "secret"}, zerolog.Nop())
	assert.NoError(t, p.ensureRepo(), "ensureRepo should no-op once .git is present")
}

func TestHookSite_WritesUnderSiteDir(t *testing.T) {
	dir := t.TempDir()
	p := New(Config{OutputDir: dir}, zerolog.Nop())

	snap := cache.BuildSnapshot(1, time.Now(), []*model.ProbeResult{
		{Server: &model.Server{RawURI: "vless://a"}, LatencyMS: 10},
	})
	p.HookSite("https://youtube.com/watch", snap)

	raw, err := os.ReadFile(filepath.Join(dir, "site", "youtube-com.txt"))
	require.NoError(t, err, "expected a site file named after the probe URL's host")
	assert.Equal(t, "vless://a", string(raw))
}

func TestSlugForProbeURL_FallsBackToHashWhenHostIsEmpty(t *testing.T) {
	slug := slugForProbeURL("not-a-url")
	assert.Len(t, slug, 40, "expected a sha1 hex digest when no host can be extracted")
}

func TestAuthenticatedRemote_RequiresHTTPS(t *testing.T) {
	_, err := authenticatedRemote("git@github.com:example/repo.git", "token")
	assert.Error(t, err, "expected error for a non-https remote")
}

func TestAuthenticatedRemote_EmbedsToken(t *testing.T) {
	remote, err := authenticatedRemote("https://github.com/example/repo.git", "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "https://secret-token@github.com/example/repo.git", remote)
}

// Package mirror publishes cache views to the filesystem and, optionally, to
// a git remote, following the teacher's handleGenerate os.WriteFile +
// os.MkdirAll pattern, extended with an exec.Command git push when enabled.
package mirror

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proxycache/internal/cache"
	"proxycache/internal/model"
)

// Config controls where and whether the mirror publishes.
type Config struct {
	OutputDir   string
	PushEnabled bool
	RepoURL     string
	Token       string
	PushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutputDir == "" {
		c.OutputDir = "subscriptions"
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 30 * time.Second
	}
	return c
}

// Publisher is a refresh.PostSwapHook-shaped writer: it never blocks cache
// publication on its own failures, only logs them.
type Publisher struct {
	cfg Config
	log zerolog.Logger
}

// New builds a Publisher. cfg is defaulted where zero.
func New(cfg Config, log zerolog.Logger) *Publisher {
	return &Publisher{cfg: cfg.withDefaults(), log: log}
}

// Hook writes all_working's raw/base64/JSON forms to files under
// cfg.OutputDir and, if enabled, commits and pushes them. It is registered
// via refresh.Loop.AddPostSwapHook and matches that hook's signature.
func (p *Publisher) Hook(snapshot *model.CacheSnapshot) {
	if p.cfg.PushEnabled {
		if err := p.ensureRepo(); err != nil {
			p.log.Warn().Err(err).Msg("mirror: failed to prepare local git clone, publication unaffected")
		}
	}
	if err := p.writeFiles(snapshot); err != nil {
		p.log.Warn().Err(err).Msg("mirror: failed to write cache files, publication unaffected")
		return
	}
	if !p.cfg.PushEnabled {
		return
	}
	if err := p.push(); err != nil {
		p.log.Warn().Err(err).Msg("mirror: git push failed, publication unaffected")
	}
}

// ensureRepo clones cfg.RepoURL into cfg.OutputDir the first time the
// publisher runs with pushing enabled. Later calls are no-ops once a .git
// directory is present, matching SPEC_FULL.md §6.3's "local clone" model.
func (p *Publisher) ensureRepo() error {
	if _, err := os.Stat(filepath.Join(p.cfg.OutputDir, ".git")); err == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PushTimeout)
	defer cancel()

	remote, err := authenticatedRemote(p.cfg.RepoURL, p.cfg.Token)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "clone", remote, p.cfg.OutputDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %w (%s)", err, out)
	}
	return nil
}

func (p *Publisher) writeFiles(snapshot *model.CacheSnapshot) error {
	if err := os.MkdirAll(p.cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	jsonBytes, err := json.Marshal(cache.SerializeJSON(snapshot))
	if err != nil {
		return fmt.Errorf("encode all_working json: %w", err)
	}

	files := map[string][]byte{
		"all_working.txt":  []byte(cache.SerializeRaw(snapshot)),
		"all_working.b64":  []byte(cache.SerializeBase64(snapshot)),
		"all_working.json": jsonBytes,
	}
	for name, contents := range files {
		path := filepath.Join(p.cfg.OutputDir, name)
		if err := os.WriteFile(path, contents, 0644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// PutSiteSpecific mirrors a single site-specific snapshot to its own file,
// site/<probeURLSlug>.txt under cfg.OutputDir.
func (p *Publisher) PutSiteSpecific(probeURLSlug string, snapshot *model.CacheSnapshot) error {
	if err := os.MkdirAll(filepath.Join(p.cfg.OutputDir, "site"), 0755); err != nil {
		return fmt.Errorf("create site dir: %w", err)
	}
	path := filepath.Join(p.cfg.OutputDir, "site", probeURLSlug+".txt")
	return os.WriteFile(path, []byte(cache.SerializeRaw(snapshot)), 0644)
}

// HookSite is a refresh.SitePostSwapHook: it mirrors one per_probe_url
// snapshot to its own file after an on-demand site-specific refresh
// publishes. It never pushes on its own — the next global Hook push carries
// site files along with all_working.
func (p *Publisher) HookSite(probeURL string, snapshot *model.CacheSnapshot) {
	if err := p.PutSiteSpecific(slugForProbeURL(probeURL), snapshot); err != nil {
		p.log.Warn().Err(err).Str("probe_url", probeURL).Msg("mirror: failed to write site-specific file, publication unaffected")
	}
}

// slugForProbeURL derives a filesystem-safe name from a probe URL's host,
// falling back to a sha1 hex digest of the full URL when the host is empty
// or an unparseable probe URL slips through.
func slugForProbeURL(probeURL string) string {
	u, err := url.Parse(probeURL)
	if err != nil || u.Host == "" {
		sum := sha1.Sum([]byte(probeURL))
		return hex.EncodeToString(sum[:])
	}
	host := strings.ToLower(u.Host)

	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		sum := sha1.Sum([]byte(probeURL))
		return hex.EncodeToString(sum[:])
	}
	return b.String()
}

// push stages, commits, and pushes cfg.OutputDir to cfg.RepoURL, using an
// inline HTTPS credential (the token embedded in the remote URL for this
// invocation only — never written to disk or logged).
func (p *Publisher) push() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PushTimeout)
	defer cancel()

	remote, err := authenticatedRemote(p.cfg.RepoURL, p.cfg.Token)
	if err != nil {
		return err
	}

	run := func(args ...string) error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = p.cfg.OutputDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("git %v: %w (%s)", args, err, out)
		}
		return nil
	}

	if err := run("add", "-A"); err != nil {
		return err
	}
	if err := run("commit", "-m", "refresh cache mirror", "--allow-empty-message", "--quiet"); err != nil {
		return err
	}
	return run("push", remote, "HEAD")
}

func authenticatedRemote(repoURL, token string) (string, error) {
	if repoURL == "" || token == "" {
		return "", fmt.Errorf("mirror: push requires a repo URL and token")
	}
	// https://<token>@host/path, matching the credential-in-URL idiom CI
	// systems use for token-authenticated git pushes over HTTPS.
	const prefix = "https://"
	if len(repoURL) < len(prefix) || repoURL[:len(prefix)] != prefix {
		return "", fmt.Errorf("mirror: repo URL must be https://")
	}
	return prefix + token + "@" + repoURL[len(prefix):], nil
}

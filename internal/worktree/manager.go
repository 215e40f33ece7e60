// Package worktree implements WorktreeManager: one bare clone per
// (owner, repo) plus a detached worktree per PR, so concurrent reviews on
// different PRs of the same repo never contend for the same working
// directory (§4.4).
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Config carries the operational knobs WorktreeManager needs.
type Config struct {
	CloneDir            string
	Token               string
	CloneTimeout        time.Duration
	FetchTimeout        time.Duration
	InsecureSkipVerify  bool
}

// Manager owns the clone tree under Config.CloneDir.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	repoMutexes map[string]*sync.Mutex
}

// New constructs a Manager.
func New(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	if cfg.CloneTimeout == 0 {
		cfg.CloneTimeout = 120 * time.Second
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		repoMutexes: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) repoMutex(owner, repo string) *sync.Mutex {
	key := owner + "/" + repo
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.repoMutexes[key]
	if !ok {
		mu = &sync.Mutex{}
		m.repoMutexes[key] = mu
	}
	return mu
}

func (m *Manager) bareClonePath(owner, repo string) string {
	return filepath.Join(m.cfg.CloneDir, owner, repo)
}

func (m *Manager) worktreePath(owner, repo string, number int) string {
	return filepath.Join(m.cfg.CloneDir, owner, fmt.Sprintf("%s--pr-%d", repo, number))
}

func (m *Manager) remoteURL(owner, repo string) string {
	return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
}

// maskToken masks the manager's token for safe logging, showing first 4 and
// last 4 characters. Returns "****" for tokens <= 8 characters.
func maskToken(token string) string {
	if token == "" {
		return "(empty)"
	}
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// prepareAuth writes a temporary GIT_ASKPASS script that echoes the
// manager's token as git's password prompt response, so the token never
// appears in a process listing or a clone URL, and returns the environment
// additions plus a cleanup the caller must defer. A blank token yields an
// environment with no askpass (public clone).
func (m *Manager) prepareAuth() ([]string, func(), error) {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if m.cfg.Token == "" {
		return env, func() {}, nil
	}

	helperPath, err := writeAskpassScript(m.cfg.Token)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrCodeWorktree, "preparing credential helper", err, apperrors.KindPermanent)
	}
	m.log.Debug("prepared git credential helper", zap.String("token", maskToken(m.cfg.Token)))

	env = append(env, "GIT_ASKPASS="+helperPath, "GIT_USERNAME=oauth2")
	cleanup := func() {
		if err := os.Remove(helperPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove credential helper script", zap.String("path", helperPath), zap.Error(err))
		}
	}
	return env, cleanup, nil
}

// writeAskpassScript writes a one-shot GIT_ASKPASS script printing token as
// the password response and returns its path.
func writeAskpassScript(token string) (string, error) {
	tmpFile, err := os.CreateTemp("", "reviewbot-askpass-*.sh")
	if err != nil {
		return "", fmt.Errorf("creating askpass script: %w", err)
	}

	script := fmt.Sprintf("#!/bin/sh\necho \"%s\"\n", token)
	if runtime.GOOS == "windows" {
		script = fmt.Sprintf("@echo off\necho %s\n", token)
	}

	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("writing askpass script: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("closing askpass script: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(tmpFile.Name(), 0o700); err != nil {
			os.Remove(tmpFile.Name())
			return "", fmt.Errorf("chmod askpass script: %w", err)
		}
	}
	return tmpFile.Name(), nil
}

// EnsureClone acquires the per-repo mutex, validates an existing clone
// (probing its git metadata, deleting it if corrupt), then either clones
// bare (first sighting) or fetches origin.
func (m *Manager) EnsureClone(ctx context.Context, owner, repo string) error {
	mu := m.repoMutex(owner, repo)
	mu.Lock()
	defer mu.Unlock()

	path := m.bareClonePath(owner, repo)

	if m.cloneExists(path) {
		if m.probeValid(ctx, path) {
			return m.fetchOrigin(ctx, path)
		}
		m.log.Warn("bare clone failed validation, removing and re-cloning",
			zap.String("owner", owner), zap.String("repo", repo), zap.String("path", path))
		if err := os.RemoveAll(path); err != nil {
			return apperrors.Wrap(apperrors.ErrCodeWorktree, "removing corrupt bare clone", err, apperrors.KindTransient)
		}
	}

	return m.cloneBare(ctx, owner, repo, path)
}

func (m *Manager) cloneExists(path string) bool {
	_, err := os.Stat(filepath.Join(path, "HEAD"))
	return err == nil
}

func (m *Manager) probeValid(ctx context.Context, path string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--is-bare-repository")
	return cmd.Run() == nil
}

func (m *Manager) cloneBare(ctx context.Context, owner, repo, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeWorktree, "creating clone directory", err, apperrors.KindPermanent)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, m.cfg.CloneTimeout)
	defer cancel()

	env, cleanup, err := m.prepareAuth()
	if err != nil {
		return err
	}
	defer cleanup()
	if m.cfg.InsecureSkipVerify {
		env = append(env, "GIT_SSL_NO_VERIFY=true")
	}

	cmd := exec.CommandContext(timeoutCtx, "git", "clone", "--bare", m.remoteURL(owner, repo), path)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return apperrors.Wrap(apperrors.ErrCodeWorktree, "bare clone timed out", err, apperrors.KindTransient)
		}
		return apperrors.Wrap(apperrors.ErrCodeWorktree, fmt.Sprintf("bare clone failed: %s", stderr.String()), err, apperrors.KindTransient)
	}

	m.log.Info("created bare clone", zap.String("owner", owner), zap.String("repo", repo))
	return nil
}

func (m *Manager) fetchOrigin(ctx context.Context, path string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	env, cleanup, err := m.prepareAuth()
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.CommandContext(timeoutCtx, "git", "-C", path, "fetch", "origin")
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return apperrors.Wrap(apperrors.ErrCodeWorktree, "fetch origin timed out", err, apperrors.KindTransient)
		}
		return apperrors.Wrap(apperrors.ErrCodeWorktree, fmt.Sprintf("fetch origin failed: %s", stderr.String()), err, apperrors.KindTransient)
	}
	return nil
}

// PrepareForPR calls EnsureClone, fetches the PR-ref pseudo-ref, removes
// any stale worktree at the PR's path, and creates a detached worktree at
// headSHA. Returns the worktree path.
func (m *Manager) PrepareForPR(ctx context.Context, owner, repo string, number int, headSHA string) (string, error) {
	if err := m.EnsureClone(ctx, owner, repo); err != nil {
		return "", err
	}

	mu := m.repoMutex(owner, repo)
	mu.Lock()
	defer mu.Unlock()

	clonePath := m.bareClonePath(owner, repo)
	wtPath := m.worktreePath(owner, repo, number)
	prRef := fmt.Sprintf("refs/pull/%d/head", number)
	localRef := fmt.Sprintf("refs/reviewbot/pr-%d", number)

	if err := m.fetchPRRef(ctx, clonePath, prRef, localRef); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeWorktree, "clone_prepare: fetching PR ref", err, apperrors.KindTransient)
	}

	if err := m.removeStaleWorktree(ctx, clonePath, wtPath); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeWorktree, "clone_prepare: removing stale worktree", err, apperrors.KindTransient)
	}

	if err := m.addWorktree(ctx, clonePath, wtPath, headSHA); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeWorktree, "clone_prepare: creating worktree", err, apperrors.KindTransient)
	}

	return wtPath, nil
}

func (m *Manager) fetchPRRef(ctx context.Context, clonePath, prRef, localRef string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	env, cleanup, err := m.prepareAuth()
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.CommandContext(timeoutCtx, "git", "-C", clonePath, "fetch", "--no-tags", "origin", prRef+":"+localRef)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("fetch PR ref timed out: %w", err)
		}
		return fmt.Errorf("fetch PR ref failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

func (m *Manager) removeStaleWorktree(ctx context.Context, clonePath, wtPath string) error {
	if _, err := os.Stat(wtPath); os.IsNotExist(err) {
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", clonePath, "worktree", "remove", "--force", wtPath)
	if err := cmd.Run(); err != nil {
		// git worktree remove failed (e.g. directory was deleted out from
		// under git); fall back to filesystem removal plus a prune.
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			return fmt.Errorf("removing stale worktree directory: %w", rmErr)
		}
		pruneCmd := exec.CommandContext(ctx, "git", "-C", clonePath, "worktree", "prune")
		_ = pruneCmd.Run()
	}
	return nil
}

func (m *Manager) addWorktree(ctx context.Context, clonePath, wtPath, headSHA string) error {
	if err := os.MkdirAll(filepath.Dir(wtPath), 0o755); err != nil {
		return fmt.Errorf("creating worktree parent directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", clonePath, "worktree", "add", "--detach", wtPath, headSHA)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git worktree add failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

// CleanupPR is best-effort and non-blocking: failures are logged, never
// returned, so a cleanup call never blocks the coordinator's finalize phase.
func (m *Manager) CleanupPR(ctx context.Context, owner, repo string, number int) {
	clonePath := m.bareClonePath(owner, repo)
	wtPath := m.worktreePath(owner, repo, number)

	cmd := exec.CommandContext(ctx, "git", "-C", clonePath, "worktree", "remove", "--force", wtPath)
	if err := cmd.Run(); err != nil {
		if rmErr := os.RemoveAll(wtPath); rmErr != nil {
			m.log.Warn("best-effort worktree cleanup failed",
				zap.String("owner", owner), zap.String("repo", repo), zap.Int("number", number), zap.Error(rmErr))
			return
		}
		pruneCmd := exec.CommandContext(ctx, "git", "-C", clonePath, "worktree", "prune")
		_ = pruneCmd.Run()
	}
}

// PruneStaleWorktrees removes worktrees whose mtime is older than maxAge.
func (m *Manager) PruneStaleWorktrees(maxAge time.Duration) error {
	entries, err := os.ReadDir(m.cfg.CloneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeWorktree, "reading clone directory", err, apperrors.KindTransient)
	}

	cutoff := time.Now().Add(-maxAge)
	for _, ownerEntry := range entries {
		if !ownerEntry.IsDir() {
			continue
		}
		ownerDir := filepath.Join(m.cfg.CloneDir, ownerEntry.Name())
		repoEntries, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, re := range repoEntries {
			if !re.IsDir() || !isWorktreeDirName(re.Name()) {
				continue
			}
			info, err := re.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(ownerDir, re.Name())
				if err := os.RemoveAll(path); err != nil {
					m.log.Warn("failed to prune stale worktree", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func isWorktreeDirName(name string) bool {
	for i := 0; i < len(name)-len("--pr-")+1; i++ {
		if name[i:i+5] == "--pr-" {
			return true
		}
	}
	return false
}

// PruneUntracked removes bare clones for repositories no longer present in
// tracked (a set of "owner/repo" canonical names).
func (m *Manager) PruneUntracked(tracked map[string]bool) error {
	entries, err := os.ReadDir(m.cfg.CloneDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrCodeWorktree, "reading clone directory", err, apperrors.KindTransient)
	}

	for _, ownerEntry := range entries {
		if !ownerEntry.IsDir() {
			continue
		}
		owner := ownerEntry.Name()
		ownerDir := filepath.Join(m.cfg.CloneDir, owner)
		repoEntries, err := os.ReadDir(ownerDir)
		if err != nil {
			continue
		}
		for _, re := range repoEntries {
			if !re.IsDir() || isWorktreeDirName(re.Name()) {
				continue
			}
			canonical := owner + "/" + re.Name()
			if !tracked[canonical] {
				path := filepath.Join(ownerDir, re.Name())
				if err := os.RemoveAll(path); err != nil {
					m.log.Warn("failed to prune untracked clone", zap.String("path", path), zap.Error(err))
				} else {
					m.log.Info("pruned untracked clone", zap.String("repo", canonical))
				}
			}
		}
	}
	return nil
}

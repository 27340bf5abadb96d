// Package gitinfo resolves and caches the git branch of a session's
// working directory for display in notifications.
package gitinfo

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	DefaultTTL = 10 * time.Second
	gitTimeout = 2 * time.Second
)

type Info struct {
	RepoRoot  string
	Branch    string
	UpdatedAt time.Time
}

// Runner executes git. tmux.ExecRunner satisfies it.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Cache remembers lookups per directory for ttl, including misses.
type Cache struct {
	runner Runner
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]Info
}

func NewCache(runner Runner, ttl time.Duration) *Cache {
	if runner == nil {
		runner = execRunner{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{runner: runner, ttl: ttl, now: time.Now, cache: make(map[string]Info)}
}

// Branch returns the checked-out branch of cwd, or "" outside a repo.
func (c *Cache) Branch(ctx context.Context, cwd string) string {
	info, ok := c.Lookup(ctx, cwd)
	if !ok {
		return ""
	}
	return info.Branch
}

func (c *Cache) Lookup(ctx context.Context, cwd string) (Info, bool) {
	if cwd == "" {
		return Info{}, false
	}
	c.mu.Lock()
	info, ok := c.cache[cwd]
	c.mu.Unlock()
	if ok && c.now().Sub(info.UpdatedAt) <= c.ttl {
		return info, info.RepoRoot != ""
	}

	info = c.resolve(ctx, cwd)
	c.mu.Lock()
	c.cache[cwd] = info
	c.mu.Unlock()
	return info, info.RepoRoot != ""
}

func (c *Cache) resolve(ctx context.Context, cwd string) Info {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	info := Info{UpdatedAt: c.now()}
	out, err := c.runner.Run(ctx, "git", "-C", cwd, "rev-parse", "--show-toplevel")
	if err != nil {
		return info
	}
	info.RepoRoot = strings.TrimSpace(string(out))

	out, err = c.runner.Run(ctx, "git", "-C", info.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		info.Branch = strings.TrimSpace(string(out))
	}
	return info
}

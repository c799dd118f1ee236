package config

import (
	"strings"
	"time"
)

// RendererConfig contains renderer process configuration.
type RendererConfig struct {
	// Binary is the renderer executable path.
	Binary string `env:"RENDERER_BINARY" envDefault:"/usr/local/bin/mixdown-render"`

	// BaseArgs are prepended to every renderer invocation.
	BaseArgs []string `env:"RENDERER_BASE_ARGS" envSeparator:" "`

	// WorkRoot is the directory under which per-job workdirs are created.
	WorkRoot string `env:"RENDERER_WORK_ROOT" envDefault:"/var/lib/renderd/jobs"`

	// Timeout is the hard runtime ceiling per render.
	Timeout time.Duration `env:"RENDERER_TIMEOUT" envDefault:"2h"`

	// ProgressTTL bounds the lifetime of cached progress snapshots.
	ProgressTTL time.Duration `env:"RENDERER_PROGRESS_TTL" envDefault:"6h"`
}

// Sanitize applies guardrails to renderer configuration values.
func (r *RendererConfig) Sanitize() {
	r.Binary = strings.TrimSpace(r.Binary)
	r.WorkRoot = strings.TrimSpace(r.WorkRoot)
	if r.Timeout <= 0 {
		r.Timeout = 2 * time.Hour
	}
	if r.ProgressTTL <= 0 {
		r.ProgressTTL = 6 * time.Hour
	}
}

// Package pmbctx holds the single process-wide context value threaded
// through every pmbootstrap component (spec §9): the resolved
// configuration, the logger, cancellation, and the fan-out width for
// bounded-concurrency stages. Exactly one is created per invocation and
// passed explicitly — no ambient globals.
package pmbctx

import (
	"context"
	"time"

	"github.com/apex/log"

	"github.com/pmbootstrap/pmbootstrap/internal/arch"
	"github.com/pmbootstrap/pmbootstrap/pkg/config"
)

// Context carries everything a pmbootstrap component needs for one
// invocation. It embeds a stdlib context.Context for cancellation
// propagation through blocking operations.
type Context struct {
	context.Context

	Config config.Config
	Log    log.Interface

	// Native is the host's own architecture, computed once per invocation.
	Native arch.Arch

	// Parallelism is config.Jobs, or 1 when Jobs is not positive.
	Parallelism int

	// StartedAt is when this invocation began, used for elapsed-time
	// reporting in logs and errors.
	StartedAt time.Time
}

// New builds a Context from a parsed configuration, deriving the host's
// native architecture.
func New(ctx context.Context, cfg config.Config) (*Context, error) {
	native, err := arch.Native()
	if err != nil {
		return nil, err
	}
	parallelism := cfg.Jobs
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Context{
		Context:     ctx,
		Config:      cfg,
		Log:         log.Log,
		Native:      native,
		Parallelism: parallelism,
		StartedAt:   time.Now(),
	}, nil
}

// WithCancel returns a derived Context sharing everything but a fresh
// cancellable stdlib context, plus the cancel func to release it.
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	child, cancel := context.WithCancel(c.Context)
	clone := *c
	clone.Context = child
	return &clone, cancel
}

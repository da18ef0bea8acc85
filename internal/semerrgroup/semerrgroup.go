// Package semerrgroup bounds the concurrency of an errgroup.Group with a
// semaphore, the shape pmbootstrap uses everywhere it fans work out across
// a kernel-global resource (subprocess pipes, mirror fetches): many
// logical tasks, a small number of runnable-at-once slots.
package semerrgroup

import (
	"golang.org/x/sync/errgroup"
)

// Group runs functions concurrently, bounded to at most n in flight, and
// collects the first error.
type Group struct {
	g   errgroup.Group
	sem chan struct{}
}

// New returns a Group that runs at most n functions concurrently. n <= 0
// means unbounded.
func New(n int) *Group {
	gr := &Group{}
	if n > 0 {
		gr.sem = make(chan struct{}, n)
	}
	return gr
}

// Go schedules fn to run, blocking until a slot is free.
func (gr *Group) Go(fn func() error) {
	if gr.sem != nil {
		gr.sem <- struct{}{}
	}
	gr.g.Go(func() error {
		if gr.sem != nil {
			defer func() { <-gr.sem }()
		}
		return fn()
	})
}

// Wait blocks until every scheduled function has returned, and returns the
// first non-nil error, if any.
func (gr *Group) Wait() error {
	return gr.g.Wait()
}

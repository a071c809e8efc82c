// SPDX-License-Identifier: MIT

package recorder

import "sync"

// jobRegistry tracks the in-flight post-processing job per recording
// directory. Entries exist only while a job runs; removal is guaranteed on
// every exit path so the inventory never reports a stuck job.
type jobRegistry[T any] struct {
	mu   sync.Mutex
	jobs map[string]T
}

func newJobRegistry[T any]() *jobRegistry[T] {
	return &jobRegistry[T]{jobs: make(map[string]T)}
}

func (r *jobRegistry[T]) add(dir string, job T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[dir] = job
}

func (r *jobRegistry[T]) remove(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, dir)
}

func (r *jobRegistry[T]) get(dir string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[dir]
	return job, ok
}

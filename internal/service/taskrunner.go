// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import "time"

// DefaultTaskQueueSize bounds how many posted tasks may be pending at
// once before Post blocks its caller.
const DefaultTaskQueueSize = 256

// TaskRunner is the single cooperative loop §5 requires all registry
// mutation to go through: one goroutine drains a queue of posted
// closures, so no two tasks ever touch a session/producer/consumer
// concurrently. IPC callbacks are expected to call Post (or PostDelayed)
// rather than mutate service state directly from their own goroutine.
type TaskRunner struct {
	tasks chan func()
	done  chan struct{}
}

// NewTaskRunner constructs a runner with the given queue depth. Call Run
// in its own goroutine, and Stop to shut it down.
func NewTaskRunner(queueSize int) *TaskRunner {
	if queueSize <= 0 {
		queueSize = DefaultTaskQueueSize
	}
	return &TaskRunner{
		tasks: make(chan func(), queueSize),
		done:  make(chan struct{}),
	}
}

// Run drains posted tasks until Stop is called. Intended to be the body
// of the service's single dedicated goroutine.
func (r *TaskRunner) Run() {
	for {
		select {
		case fn := <-r.tasks:
			fn()
		case <-r.done:
			return
		}
	}
}

// Post enqueues fn to run on the task-runner goroutine.
func (r *TaskRunner) Post(fn func()) {
	r.tasks <- fn
}

// PostDelayed arranges for fn to be posted to the task-runner goroutine
// after delayMS elapses. The timer itself fires on its own goroutine (as
// time.AfterFunc does), but the callback it schedules only ever runs
// on the task runner, preserving single-threaded confinement of
// everything PostDelayed's caller touches.
func (r *TaskRunner) PostDelayed(delayMS int64, fn func()) {
	if delayMS <= 0 {
		r.Post(fn)
		return
	}
	time.AfterFunc(time.Duration(delayMS)*time.Millisecond, func() {
		r.Post(fn)
	})
}

// Stop ends the Run loop. Any tasks already queued are discarded.
func (r *TaskRunner) Stop() {
	close(r.done)
}

// Copyright 2025 Tom Barlow
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

package dispatch

import (
	"errors"
	"sync"
)

// errPoolSaturated reports that every worker and queue slot is taken.
var errPoolSaturated = errors.New("blocking worker pool is saturated")

// pool runs blocking handlers on a fixed set of worker goroutines so a
// burst of CPU-bound tasks cannot spawn unbounded goroutines. Queued
// work beyond the worker count waits in a buffered channel.
type pool struct {
	tasks chan func()
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = 1
	}
	p := &pool{tasks: make(chan func(), workers)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

// submit enqueues fn for execution without blocking. A full queue
// fails immediately so the invocation reports a prompt failure instead
// of waiting out its timeout.
func (p *pool) submit(fn func()) error {
	select {
	case p.tasks <- fn:
		return nil
	default:
		return errPoolSaturated
	}
}

// close stops accepting work and waits for in-flight tasks. A blocking
// handler that ignores its cancel flag delays this until it returns;
// callers bound the wait themselves.
func (p *pool) close() {
	p.closeOnce.Do(func() { close(p.tasks) })
	p.wg.Wait()
}

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

package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRegistered is returned when registering an existing name without
// replace. It is fatal at boot: a silent overwrite would run the wrong
// code for scheduled jobs.
var ErrRegistered = errors.New("handler already registered")

// Kind selects the execution path for a handler.
type Kind string

const (
	// KindAsync handlers cooperate with context cancellation and run on
	// the dispatch goroutine set.
	KindAsync Kind = "async"
	// KindBlocking handlers run on the bounded worker pool and are
	// expected to poll the task context's cancel flag between steps.
	KindBlocking Kind = "blocking"
)

// Handler is a user-supplied task function. The task context (RunData,
// scoped logger, cancel flag) is reachable through FromContext. The
// returned string becomes the callback message on success.
type Handler func(ctx context.Context) (string, error)

// Info describes one registered handler.
type Info struct {
	Name string
	Kind Kind
	Run  Handler
}

// Registry maps handler names to handlers. It is populated before the
// engine accepts traffic; later mutations are legal and safe against
// concurrent lookups.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Info
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Info)}
}

// Register inserts a handler under name. Registering an existing name
// fails with ErrRegistered unless replace is set.
func (r *Registry) Register(name string, kind Kind, fn Handler, replace bool) error {
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler %q: function is nil", name)
	}
	if kind != KindAsync && kind != KindBlocking {
		return fmt.Errorf("handler %q: unknown kind %q", name, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists && !replace {
		return fmt.Errorf("handler %q: %w", name, ErrRegistered)
	}
	r.handlers[name] = Info{Name: name, Kind: kind, Run: fn}
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.handlers[name]
	return info, ok
}

// List returns a snapshot of registered handlers sorted by name, for
// observability.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.handlers))
	for _, info := range r.handlers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

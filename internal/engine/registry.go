package engine

import (
	"fmt"
	"sync"

	"github.com/torosent/aca-dts/pkg/api"
)

type orchestrationRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.OrchestratorFunc
}

func newOrchestrationRegistry() *orchestrationRegistry {
	return &orchestrationRegistry{byName: make(map[string]api.OrchestratorFunc)}
}

func (r *orchestrationRegistry) Register(name string, fn api.OrchestratorFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("orchestration %q: %w", name, api.ErrDuplicateRegistration)
	}
	r.byName[name] = fn
	return nil
}

func (r *orchestrationRegistry) Get(name string) (api.OrchestratorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("orchestration %q: %w", name, api.ErrOrchestrationNotFound)
	}
	return fn, nil
}

type activityRegistry struct {
	mu     sync.RWMutex
	byName map[string]api.ActivityFunc
}

func newActivityRegistry() *activityRegistry {
	return &activityRegistry{byName: make(map[string]api.ActivityFunc)}
}

func (r *activityRegistry) Register(name string, fn api.ActivityFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("activity %q: %w", name, api.ErrDuplicateRegistration)
	}
	r.byName[name] = fn
	return nil
}

func (r *activityRegistry) Get(name string) (api.ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("activity %q: %w", name, api.ErrActivityNotFound)
	}
	return fn, nil
}

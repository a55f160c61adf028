package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// modelConfig lazily loads the completion model name from the parameter
// store on first use and caches it for the process lifetime. A failed load is
// retried on the next request.
type modelConfig struct {
	params ParamGetter
	prefix string

	mu     sync.RWMutex
	loaded bool
	model  string
}

func newModelConfig(params ParamGetter, prefix string) (*modelConfig, error) {
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	return &modelConfig{params: params, prefix: prefix}, nil
}

func (c *modelConfig) get(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.loaded {
		model := c.model
		c.mu.RUnlock()
		return model, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c.model, nil
	}
	model, err := c.params.GetParameter(ctx, c.prefix+"/config/openai_model")
	if err != nil {
		return "", fmt.Errorf("usecase: load openai model: %w", err)
	}
	c.model = model
	c.loaded = true
	return model, nil
}

// threadLocks serializes turns per thread id so one turn's append is fully
// visible before the next turn's read begins. Distinct threads proceed in
// parallel.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*sync.Mutex)}
}

func (t *threadLocks) get(threadID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[threadID] = l
	}
	return l
}

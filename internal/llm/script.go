package llm

import (
	"context"
	"sync"

	"github.com/skald-rpg/engine/internal/domain"
)

// ScriptInvoker replays canned results per role, in order. Tests use it
// to drive the full turn pipeline without a model.
type ScriptInvoker struct {
	mu      sync.Mutex
	scripts map[Role][]Result
	errs    map[Role]error
	Calls   []Request
}

func NewScriptInvoker() *ScriptInvoker {
	return &ScriptInvoker{
		scripts: make(map[Role][]Result),
		errs:    make(map[Role]error),
	}
}

// Queue appends a canned result for the role.
func (s *ScriptInvoker) Queue(role Role, r Result) *ScriptInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[role] = append(s.scripts[role], r)
	return s
}

// QueueJSON appends a canned structured decision for the role.
func (s *ScriptInvoker) QueueJSON(role Role, decision string) *ScriptInvoker {
	return s.Queue(role, Result{Text: decision, DecisionJSON: decision})
}

// Fail makes every invocation for the role return err.
func (s *ScriptInvoker) Fail(role Role, err error) *ScriptInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[role] = err
	return s
}

func (s *ScriptInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if err, ok := s.errs[req.Role]; ok {
		return Result{}, err
	}
	queue := s.scripts[req.Role]
	if len(queue) == 0 {
		return Result{}, domain.NewEngineError(domain.ErrInvokeFailed.Code,
			"script exhausted for role "+string(req.Role))
	}
	next := queue[0]
	s.scripts[req.Role] = queue[1:]
	return next, nil
}

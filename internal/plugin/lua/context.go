package lua

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// activeStateKey marks which State is currently executing on this call
// chain. Host API functions run inside the VM while the state's lock is
// held; a hook fan-out reaching back into the same state must use the
// nested call path instead of re-acquiring the lock.
type activeStateKey struct{}

// WithActiveState tags the context with the state currently executing.
func WithActiveState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, activeStateKey{}, s)
}

// ActiveStateFrom returns the state tagged on the context, or nil.
func ActiveStateFrom(ctx context.Context) *State {
	s, _ := ctx.Value(activeStateKey{}).(*State)
	return s
}

// CallGlobalWithContext calls the named global function, nesting when the
// context shows this state is already executing on the current call chain.
func (s *State) CallGlobalWithContext(ctx context.Context, name string, args ...any) ([]any, error) {
	if ActiveStateFrom(ctx) != s {
		return s.CallGlobal(name, args...)
	}
	if s.closed {
		return nil, ErrStateClosed
	}
	fn, ok := s.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("plugin function %q not found", name)
	}
	return s.CallFunctionNested(fn, args...)
}

// CallFunctionNested calls a Lua function from within an execution that
// already entered this state (a host API function running under PCall).
// It does not take the lock and does not reset the VM deadline; the outer
// execution bound keeps applying.
func (s *State) CallFunctionNested(fn *lua.LFunction, args ...any) (results []any, err error) {
	if s.closed {
		return nil, ErrStateClosed
	}

	bridge := NewBridge(s.L)
	stackTop := s.L.GetTop()

	defer func() {
		if r := recover(); r != nil {
			s.L.SetTop(stackTop)
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()

	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(bridge.ToLua(arg))
	}
	if err := s.L.PCall(len(args), lua.MultRet, nil); err != nil {
		s.L.SetTop(stackTop)
		return nil, err
	}

	nRet := s.L.GetTop() - stackTop
	if nRet > 0 {
		results = make([]any, nRet)
		for i := 0; i < nRet; i++ {
			results[i] = bridge.ToGo(s.L.Get(stackTop + i + 1))
		}
		s.L.Pop(nRet)
	}
	return results, nil
}

package lua

import (
	"errors"
	"testing"
)

func TestDoStringAndCallGlobal(t *testing.T) {
	state, _ := newTestState(t, nil)

	code := `
		function add(a, b)
			return a + b
		end

		function greet(name)
			return "hello " .. name, 2
		end
	`
	if err := state.DoString(code); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}

	results, err := state.CallGlobal("add", 2, 3)
	if err != nil {
		t.Fatalf("CallGlobal(add) error = %v", err)
	}
	if len(results) != 1 || results[0] != int64(5) {
		t.Errorf("add(2, 3) = %v, want [5]", results)
	}

	results, err = state.CallGlobal("greet", "world")
	if err != nil {
		t.Fatalf("CallGlobal(greet) error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("greet() returned %d values, want 2", len(results))
	}
	if results[0] != "hello world" || results[1] != int64(2) {
		t.Errorf("greet() = %v, want [hello world 2]", results)
	}
}

func TestCallGlobalMissingFunction(t *testing.T) {
	state, _ := newTestState(t, nil)

	if _, err := state.CallGlobal("nope"); err == nil {
		t.Fatal("CallGlobal on a missing function should fail")
	}
}

func TestCallGlobalPropagatesLuaError(t *testing.T) {
	state, _ := newTestState(t, nil)

	if err := state.DoString(`function boom() error("kaput") end`); err != nil {
		t.Fatal(err)
	}

	_, err := state.CallGlobal("boom")
	if err == nil {
		t.Fatal("CallGlobal should propagate the Lua error")
	}
}

func TestHasGlobalFunction(t *testing.T) {
	state, _ := newTestState(t, nil)

	if err := state.DoString(`function activate() end; version = "1.0"`); err != nil {
		t.Fatal(err)
	}

	if !state.HasGlobalFunction("activate") {
		t.Error("HasGlobalFunction(activate) = false, want true")
	}
	if state.HasGlobalFunction("deactivate") {
		t.Error("HasGlobalFunction(deactivate) = true, want false")
	}
	if state.HasGlobalFunction("version") {
		t.Error("HasGlobalFunction(version) = true for a non-function global")
	}
}

func TestTableArgumentsCrossTheBridge(t *testing.T) {
	state, _ := newTestState(t, nil)

	code := `
		function inspect(ctx)
			return ctx.name .. ":" .. tostring(ctx.count)
		end
	`
	if err := state.DoString(code); err != nil {
		t.Fatal(err)
	}

	results, err := state.CallGlobal("inspect", map[string]any{
		"name":  "build",
		"count": 3,
	})
	if err != nil {
		t.Fatalf("CallGlobal() error = %v", err)
	}
	if len(results) != 1 || results[0] != "build:3" {
		t.Errorf("inspect() = %v, want [build:3]", results)
	}
}

func TestClosedStateRejectsUse(t *testing.T) {
	state, _ := newTestState(t, nil)
	state.Close()

	if err := state.DoString(`x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("DoString() after Close error = %v, want ErrStateClosed", err)
	}
	if _, err := state.CallGlobal("f"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("CallGlobal() after Close error = %v, want ErrStateClosed", err)
	}
	if state.HasGlobalFunction("f") {
		t.Error("HasGlobalFunction() after Close = true")
	}
	// Double close is a no-op.
	if err := state.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

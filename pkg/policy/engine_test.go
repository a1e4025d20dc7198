package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/keelplane/keel/pkg/engine"
)

var testNow = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func setupEngine(t *testing.T) *Engine {
	t.Helper()

	pe, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	pe.now = func() time.Time { return testNow }
	return pe
}

func newTask(t *testing.T, params map[string]any, readyIn time.Duration) *engine.Task {
	t.Helper()

	frame, err := engine.NewFrame(params)
	if err != nil {
		t.Fatalf("Failed to build frame: %v", err)
	}
	return &engine.Task{
		ID:      uuid.New(),
		Program: "lifecycle",
		Step:    "start",
		Stack:   engine.Stack{frame},
		ReadyAt: testNow.Add(readyIn),
	}
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	pe := setupEngine(t)

	policies := pe.ListPolicies()
	if len(policies) != 2 {
		t.Fatalf("Expected 2 built-in policies, got %d", len(policies))
	}
	if policies[0].Name != "param-naming" || policies[1].Name != "ready-horizon" {
		t.Errorf("Unexpected policies: %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name      string
		params    map[string]any
		readyIn   time.Duration
		wantErr   bool
		wantWarns int
	}{
		{
			name:    "plain task",
			params:  map[string]any{"subject_id": "vm-1"},
			readyIn: time.Minute,
		},
		{
			name:    "scheduled too far ahead",
			params:  map[string]any{"subject_id": "vm-1"},
			readyIn: 400 * 24 * time.Hour,
			wantErr: true,
		},
		{
			name:      "camel case parameter",
			params:    map[string]any{"subjectId": "vm-1", "Mode": "fast"},
			wantWarns: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := setupEngine(t)
			task := newTask(t, tt.params, tt.readyIn)

			input, err := NewInput(task, testNow)
			if err != nil {
				t.Fatalf("NewInput failed: %v", err)
			}
			decision, err := pe.Evaluate(context.Background(), input)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(decision.Warnings) != tt.wantWarns {
				t.Errorf("Expected %d warnings, got %d: %+v", tt.wantWarns, len(decision.Warnings), decision.Warnings)
			}
			if len(decision.EvaluatedPolicies) != 2 {
				t.Errorf("Expected 2 evaluated policies, got %v", decision.EvaluatedPolicies)
			}

			err = pe.Admit(context.Background(), task)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected admission to fail")
				}
				var ee *engine.EngineError
				if !errors.As(err, &ee) || ee.Code != engine.ErrCodeDenied {
					t.Errorf("Expected ADMISSION_DENIED, got %v", err)
				}
				if engine.Classify(err) != engine.ErrorClassValidation {
					t.Errorf("Expected validation class, got %s", engine.Classify(err))
				}
				return
			}
			if err != nil {
				t.Errorf("Expected admission, got %v", err)
			}
		})
	}
}

func TestSetEnabled(t *testing.T) {
	pe := setupEngine(t)
	task := newTask(t, nil, 400*24*time.Hour)

	if err := pe.SetEnabled("ready-horizon", false); err != nil {
		t.Fatalf("SetEnabled failed: %v", err)
	}
	if err := pe.Admit(context.Background(), task); err != nil {
		t.Errorf("Disabled policy still rejected the task: %v", err)
	}

	p, err := pe.Policy("ready-horizon")
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if p.Enabled {
		t.Error("Expected policy to be disabled")
	}

	if err := pe.SetEnabled("missing", true); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	rego := `# Only the lifecycle program may be created by hand.
# severity: error
package keel.admission.programs

import rego.v1

deny contains msg if {
	input.task.program != "lifecycle"
	msg := sprintf("program %s is internal", [input.task.program])
}
`
	if err := os.WriteFile(filepath.Join(dir, "programs.rego"), []byte(rego), 0o600); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	pe := setupEngine(t)
	if err := pe.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := pe.Policy("programs")
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", p.Severity)
	}
	if p.Description != "Only the lifecycle program may be created by hand." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	task := newTask(t, nil, 0)
	if err := pe.Admit(context.Background(), task); err != nil {
		t.Errorf("Expected lifecycle task to be admitted, got %v", err)
	}
	task.Program = "reaper"
	if err := pe.Admit(context.Background(), task); err == nil {
		t.Error("Expected reaper task to be denied")
	}
}

func TestLoadPoliciesRejectsInvalidRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains {"), 0o600); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	pe := setupEngine(t)
	if err := pe.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("Expected compile error")
	}
}

func TestEngineAdmissionHook(t *testing.T) {
	pe := setupEngine(t)

	reg := engine.NewRegistry()
	err := reg.Register(engine.Program{
		Name:  "lifecycle",
		Start: "start",
		Steps: []engine.Step{{
			Name: "start",
			Run: func(*engine.Context) (engine.Directive, error) {
				return engine.Donate{}, nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	eng := engine.NewEngine(nil, reg, nil, zerolog.Nop()).WithAdmission(pe)
	_, err = eng.CreateTask(context.Background(), engine.TaskSpec{
		Program: "lifecycle",
		ReadyAt: time.Now().Add(2 * 365 * 24 * time.Hour),
	})
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeDenied {
		t.Fatalf("Expected ADMISSION_DENIED before the store is touched, got %v", err)
	}
}

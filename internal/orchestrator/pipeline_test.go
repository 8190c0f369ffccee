package orchestrator

import (
	"strings"
	"testing"
)

func validSpec() *PipelineSpec {
	return &PipelineSpec{
		Name:  "two-step",
		Start: "first",
		States: map[string]StateSpec{
			"first":  {Command: "one", OnSuccess: "second", OnFailure: PhaseDeadLetter},
			"second": {Command: "two", OnSuccess: PhaseComplete, OnFailure: "first"},
		},
	}
}

func TestPipelineValidate(t *testing.T) {
	if err := validSpec().Validate(); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*PipelineSpec)
		want   string
	}{
		{"missing start", func(p *PipelineSpec) { p.Start = "nowhere" }, "start state"},
		{"no name", func(p *PipelineSpec) { p.Name = "" }, "no name"},
		{"no states", func(p *PipelineSpec) { p.States = nil }, "no states"},
		{"dangling edge", func(p *PipelineSpec) {
			s := p.States["first"]
			s.OnSuccess = "ghost"
			p.States["first"] = s
		}, "unknown state"},
		{"empty edge", func(p *PipelineSpec) {
			s := p.States["second"]
			s.OnFailure = ""
			p.States["second"] = s
		}, "missing edge"},
		{"no command", func(p *PipelineSpec) {
			s := p.States["first"]
			s.Command = ""
			p.States["first"] = s
		}, "no command"},
		{"reserved state name", func(p *PipelineSpec) {
			p.States[PhaseComplete] = StateSpec{Command: "x", OnSuccess: PhaseComplete, OnFailure: PhaseDeadLetter}
		}, "reserved"},
		{"complete unreachable", func(p *PipelineSpec) {
			s := p.States["second"]
			s.OnSuccess = PhaseDeadLetter
			p.States["second"] = s
		}, "cannot reach"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := validSpec()
			tc.mutate(spec)
			err := spec.Validate()
			if err == nil {
				t.Fatal("Validate accepted a broken pipeline")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestBuiltinsAreValid(t *testing.T) {
	builtins := Builtins()
	for _, name := range []string{"full", "plan-only", "autonomous"} {
		spec, ok := builtins[name]
		if !ok {
			t.Fatalf("builtin %q missing", name)
		}
		if err := spec.Validate(); err != nil {
			t.Errorf("builtin %q invalid: %v", name, err)
		}
	}
}

func TestAutonomousExtendsFull(t *testing.T) {
	builtins := Builtins()
	auto := builtins["autonomous"]

	if auto.States["document"].OnSuccess != "ship" {
		t.Errorf("autonomous document on_success = %q, want ship", auto.States["document"].OnSuccess)
	}
	if auto.States["ship"].OnSuccess != PhaseComplete {
		t.Errorf("autonomous ship on_success = %q, want %s", auto.States["ship"].OnSuccess, PhaseComplete)
	}
	// The extension must not leak back into the full pipeline.
	if builtins["full"].States["document"].OnSuccess != PhaseComplete {
		t.Error("full pipeline document edge modified by autonomous extension")
	}
}

func TestParsePipelines(t *testing.T) {
	data := []byte(`
pipelines:
  - name: hotfix
    start: patch
    states:
      patch:
        command: implement
        on_success: verify
        on_failure: dead_letter
      verify:
        command: test
        on_success: complete
        on_failure: patch
        max_retries: 1
`)
	specs, err := parsePipelines(data)
	if err != nil {
		t.Fatal(err)
	}
	spec, ok := specs["hotfix"]
	if !ok {
		t.Fatal("hotfix pipeline not parsed")
	}
	if spec.Start != "patch" {
		t.Errorf("Start = %q, want patch", spec.Start)
	}
	if got := spec.States["verify"].MaxRetries; got != 1 {
		t.Errorf("verify max_retries = %d, want 1", got)
	}
	// Unset max_retries defers to the global default.
	if got := spec.States["patch"].MaxRetries; got != -1 {
		t.Errorf("patch max_retries = %d, want -1", got)
	}
}

func TestParsePipelinesRejectsBrokenGraph(t *testing.T) {
	data := []byte(`
pipelines:
  - name: broken
    start: only
    states:
      only:
        command: plan
        on_success: nowhere
        on_failure: dead_letter
`)
	if _, err := parsePipelines(data); err == nil {
		t.Fatal("pipeline with a dangling edge accepted")
	}
}

func TestParsePipelinesRejectsDuplicates(t *testing.T) {
	data := []byte(`
pipelines:
  - name: twice
    start: a
    states:
      a: {command: plan, on_success: complete, on_failure: dead_letter}
  - name: twice
    start: a
    states:
      a: {command: plan, on_success: complete, on_failure: dead_letter}
`)
	if _, err := parsePipelines(data); err == nil {
		t.Fatal("duplicate pipeline names accepted")
	}
}

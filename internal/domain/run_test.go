package domain

import "testing"

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{RunSucceeded, RunFailed, RunDeadLettered, RunCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestNewRun_Defaults(t *testing.T) {
	run := NewRun("full", "issue-42", "")

	if run.ID == "" {
		t.Error("run ID is empty")
	}
	if run.Status != RunPending {
		t.Errorf("Status = %s, want %s", run.Status, RunPending)
	}
	if run.Tier != TierStandard {
		t.Errorf("Tier = %s, want %s", run.Tier, TierStandard)
	}
	if run.HoldsSlot() {
		t.Error("new run should not hold a slot")
	}
}

func TestWithAncestor_ExtendsChain(t *testing.T) {
	a := NewRun("full", "issue-7", TierAdvanced)
	b := a.WithAncestor()
	c := b.WithAncestor()

	if len(b.Ancestors) != 1 || b.Ancestors[0] != a.ID {
		t.Errorf("b.Ancestors = %v, want [%s]", b.Ancestors, a.ID)
	}
	if len(c.Ancestors) != 2 || c.Ancestors[0] != a.ID || c.Ancestors[1] != b.ID {
		t.Errorf("c.Ancestors = %v, want [%s %s]", c.Ancestors, a.ID, b.ID)
	}
	if c.Tier != TierAdvanced {
		t.Errorf("child Tier = %s, want %s", c.Tier, TierAdvanced)
	}
	if c.ID == b.ID || b.ID == a.ID {
		t.Error("child runs must have fresh IDs")
	}
}

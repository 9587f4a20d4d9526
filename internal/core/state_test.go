package core

import "testing"

func TestNewReActState(t *testing.T) {
	s := NewReActState("seq-1", "merge files", -1)
	if s.MaxRetriesPerStep != DefaultMaxRetriesPerStep {
		t.Errorf("MaxRetriesPerStep = %d, want default", s.MaxRetriesPerStep)
	}
	if s.CurrentStepNumber != 1 || s.Status != StatusPlanning {
		t.Errorf("initial position = %d/%s", s.CurrentStepNumber, s.Status)
	}
	if s.GoalAchieved || s.Paused {
		t.Errorf("new state should not be completed or paused")
	}
}

func TestReActState_RetryCeiling(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	if !s.BeginRetry() || !s.BeginRetry() {
		t.Fatal("first two retries should be allowed")
	}
	if s.BeginRetry() {
		t.Fatal("third retry should exceed the ceiling")
	}
	if s.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", s.RetryCount)
	}
}

func TestReActState_ChangeApproachOnce(t *testing.T) {
	s := NewReActState("seq", "p", 1)
	s.BeginRetry()

	if !s.ChangeApproach() {
		t.Fatal("first change of approach should be allowed")
	}
	if s.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want reset to 0", s.RetryCount)
	}
	// A second change counts against the retry ceiling.
	if !s.ChangeApproach() {
		t.Fatal("second change within ceiling should be allowed")
	}
	if s.ChangeApproach() {
		t.Fatal("change beyond ceiling should fail")
	}

	s.Advance()
	if s.RetryCount != 0 || s.ApproachChanges != 0 {
		t.Errorf("Advance should reset per-step counters")
	}
}

func TestReActState_Monotonic(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	prev := s.CurrentStepNumber
	ops := []func(){
		func() { s.BeginRetry() },
		s.Advance,
		func() { s.Pause(2, "which file?") },
		func() { s.Resume() },
		func() { s.ChangeApproach() },
		s.Advance,
		s.Interrupt,
		func() { s.Resume() },
	}
	for i, op := range ops {
		op()
		if s.CurrentStepNumber < prev {
			t.Fatalf("op %d decreased step from %d to %d", i, prev, s.CurrentStepNumber)
		}
		prev = s.CurrentStepNumber
	}
}

func TestReActState_PauseResume(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	s.Advance()
	s.Pause(2, "which dataset holds revenue?")

	if !s.Paused || !s.AwaitingClarification || s.Status != StatusPaused {
		t.Fatalf("Pause did not set flags: %+v", s)
	}
	if !s.Status.IsTerminal() {
		t.Errorf("paused should stop the loop")
	}

	at := s.Resume()
	if at != 2 {
		t.Errorf("Resume() = %d, want 2", at)
	}
	if s.Paused || s.AwaitingClarification || s.ClarificationContext != "" {
		t.Errorf("Resume did not clear pause flags")
	}
}

func TestReActState_CompleteFail(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	s.Complete()
	if !s.GoalAchieved || s.Status != StatusCompleted {
		t.Errorf("Complete() = %v/%s", s.GoalAchieved, s.Status)
	}

	f := NewReActState("seq2", "p", 2)
	issues := []string{"join key missing"}
	f.Fail(issues)
	issues[0] = "mutated"
	if f.Status != StatusFailed || f.LastIssues[0] != "join key missing" {
		t.Errorf("Fail() = %s %v", f.Status, f.LastIssues)
	}
	if f.GoalAchieved {
		t.Errorf("failed state must not be goal achieved")
	}
}

func TestReActState_OutputsAndClone(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	s.Record(StepRecord{StepNumber: 1, OutputAlias: "merged", OutputPath: "a/b/c/m.arrow", Outcome: OutcomeSucceeded})
	s.Record(StepRecord{StepNumber: 2, OutputAlias: "chart", OutputPath: "a/b/c/x.png", Outcome: OutcomeRetried})

	out := s.Outputs()
	if len(out) != 1 || out["merged"] != "a/b/c/m.arrow" {
		t.Errorf("Outputs() = %v", out)
	}
	last, ok := s.LastSucceeded()
	if !ok || last.StepNumber != 1 {
		t.Errorf("LastSucceeded() = %+v, %v", last, ok)
	}

	cp, err := s.Clone()
	if err != nil {
		t.Fatalf("Clone() error = %v", err)
	}
	cp.ExecutionHistory[0].OutputPath = "changed"
	if s.ExecutionHistory[0].OutputPath != "a/b/c/m.arrow" {
		t.Errorf("Clone shares history with the original")
	}
}

func TestReActState_RemainingSteps(t *testing.T) {
	s := NewReActState("seq", "p", 2)
	s.Plan = NewPlan([]StepPlan{{StepNumber: 1, AtomID: AtomExplore}})
	if !s.RemainingSteps() {
		t.Fatal("step 1 remains")
	}
	s.Advance()
	if s.RemainingSteps() {
		t.Fatal("no steps remain after the last one")
	}
}

package hitl

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	projectID = "22222222-2222-2222-2222-222222222222"
	otherProj = "33333333-3333-3333-3333-333333333333"
	taskID    = "11111111-1111-1111-1111-111111111111"
)

func openStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "crew.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Broadcast(_ context.Context, ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func conf(v float64) *float64 { return &v }

func TestShouldTrigger(t *testing.T) {
	e := NewEvaluator(nil, DefaultTriggerConfig(), OversightMedium)

	tests := []struct {
		name  string
		cond  Condition
		tc    TriggerContext
		level OversightLevel
		want  bool
	}{
		{"high phase", ConditionPhaseCompletion, TriggerContext{Phase: "analysis"}, OversightHigh, true},
		{"medium phase outside subset", ConditionPhaseCompletion, TriggerContext{Phase: "analysis"}, OversightMedium, false},
		{"medium phase build", ConditionPhaseCompletion, TriggerContext{Phase: "build"}, OversightMedium, true},
		{"medium phase launch", ConditionPhaseCompletion, TriggerContext{Phase: "launch"}, OversightMedium, true},
		{"low phase", ConditionPhaseCompletion, TriggerContext{Phase: "launch"}, OversightLow, false},
		{"phase absent", ConditionPhaseCompletion, TriggerContext{}, OversightHigh, false},

		{"medium confidence above stricter threshold", ConditionQualityThreshold, TriggerContext{Confidence: conf(0.6)}, OversightMedium, false},
		{"medium confidence below stricter threshold", ConditionQualityThreshold, TriggerContext{Confidence: conf(0.5)}, OversightMedium, true},
		{"high confidence any", ConditionQualityThreshold, TriggerContext{Confidence: conf(0.99)}, OversightHigh, true},

		{"medium conflict low", ConditionConflictDetected, TriggerContext{ConflictSeverity: "low"}, OversightMedium, false},
		{"medium conflict high", ConditionConflictDetected, TriggerContext{ConflictSeverity: "HIGH"}, OversightMedium, true},

		{"low critical error", ConditionAgentError, TriggerContext{ErrorType: "security"}, OversightLow, true},
		{"low ordinary error", ConditionAgentError, TriggerContext{ErrorType: "timeout", RetryCount: 10}, OversightLow, false},
		{"medium repeated error", ConditionAgentError, TriggerContext{ErrorType: "timeout", RetryCount: 3}, OversightMedium, true},
		{"medium first error", ConditionAgentError, TriggerContext{ErrorType: "timeout", RetryCount: 1}, OversightMedium, false},

		{"medium budget under", ConditionBudgetExceeded, TriggerContext{BudgetRatio: 0.9}, OversightMedium, false},
		{"medium budget at limit", ConditionBudgetExceeded, TriggerContext{BudgetRatio: 1.0}, OversightMedium, true},

		{"safety low", ConditionSafetyViolation, TriggerContext{Violation: "rm -rf"}, OversightLow, true},
		{"safety without signal", ConditionSafetyViolation, TriggerContext{}, OversightLow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.ShouldTrigger(tt.cond, tt.tc, tt.level))
		})
	}
}

func TestShouldTrigger_DisabledCondition(t *testing.T) {
	cfg := DefaultTriggerConfig()
	for i := range cfg.Conditions {
		cfg.Conditions[i].Enabled = false
	}
	e := NewEvaluator(nil, cfg, OversightHigh)

	assert.False(t, e.ShouldTrigger(ConditionPhaseCompletion, TriggerContext{Phase: "build"}, OversightHigh))
	assert.False(t, e.ShouldTrigger(ConditionAgentError, TriggerContext{ErrorType: "security"}, OversightLow))
	assert.True(t, e.ShouldTrigger(ConditionSafetyViolation, TriggerContext{Violation: "x"}, OversightLow))
}

// LOW triggers are a subset of MEDIUM triggers, which are a subset of HIGH.
func TestShouldTrigger_LevelsAreNested(t *testing.T) {
	e := NewEvaluator(nil, DefaultTriggerConfig(), OversightMedium)

	var contexts []TriggerContext
	for _, phase := range []string{"", "analysis", "design", "build", "test", "launch"} {
		contexts = append(contexts, TriggerContext{Phase: phase})
	}
	for _, c := range []float64{0, 0.3, 0.56, 0.6, 0.7, 1} {
		contexts = append(contexts, TriggerContext{Confidence: conf(c)})
	}
	for _, sev := range []string{"low", "medium", "high", "critical"} {
		contexts = append(contexts, TriggerContext{ConflictSeverity: sev})
	}
	for _, et := range []string{"timeout", "security", "data_loss", "system_failure", "parse"} {
		for _, retries := range []int{0, 2, 3, 5} {
			contexts = append(contexts, TriggerContext{ErrorType: et, RetryCount: retries})
		}
	}
	for _, r := range []float64{0.1, 0.8, 1, 1.5} {
		contexts = append(contexts, TriggerContext{BudgetRatio: r})
	}

	conditions := []Condition{
		ConditionPhaseCompletion, ConditionQualityThreshold, ConditionConflictDetected,
		ConditionAgentError, ConditionBudgetExceeded, ConditionSafetyViolation,
	}
	for _, cond := range conditions {
		for _, tc := range contexts {
			low := e.ShouldTrigger(cond, tc, OversightLow)
			medium := e.ShouldTrigger(cond, tc, OversightMedium)
			high := e.ShouldTrigger(cond, tc, OversightHigh)
			if low {
				assert.True(t, medium, "%s %+v: low but not medium", cond, tc)
			}
			if medium {
				assert.True(t, high, "%s %+v: medium but not high", cond, tc)
			}
		}
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	s := openStore(t)
	log := &eventLog{}
	e := NewEvaluator(s, DefaultTriggerConfig(), OversightHigh, WithEvaluatorPublisher(log))
	ctx := context.Background()

	// Agent error is listed before phase completion.
	req, err := e.Evaluate(ctx, projectID, TriggerContext{
		TaskID:     taskID,
		AgentType:  "coder",
		Phase:      "build",
		ErrorType:  "timeout",
		RetryCount: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, string(ConditionAgentError), req.RequestType)

	all, err := s.ListApprovals(ctx, storage.ApprovalFilter{ProjectID: projectID})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, log.ofType(events.HITLRequestCreated), 1)
}

func TestEvaluate_NothingTriggers(t *testing.T) {
	s := openStore(t)
	e := NewEvaluator(s, DefaultTriggerConfig(), OversightMedium)

	req, err := e.Evaluate(context.Background(), projectID, TriggerContext{
		TaskID:     taskID,
		AgentType:  "analyst",
		Phase:      "analysis",
		Confidence: conf(0.9),
	})
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestEvaluate_SafetyOverridesLevelAndOrder(t *testing.T) {
	s := openStore(t)
	cfg := DefaultTriggerConfig()
	cfg.Conditions = []ConditionConfig{{Condition: ConditionPhaseCompletion, Enabled: true, TimeoutHours: 24}}
	e := NewEvaluator(s, cfg, OversightLow)

	req, err := e.Evaluate(context.Background(), projectID, TriggerContext{Violation: "secret written to log", Phase: "build"})
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, string(ConditionSafetyViolation), req.RequestType)
}

func TestCreateRequest_QuestionOptionsAndExpiry(t *testing.T) {
	s := openStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(s, DefaultTriggerConfig(), OversightHigh, WithEvaluatorClock(func() time.Time { return now }))

	req, err := e.CreateRequest(context.Background(), ConditionConflictDetected, projectID, TriggerContext{
		TaskID:           taskID,
		AgentType:        "architect",
		ConflictSeverity: "high",
		Details:          map[string]any{"between": "architect,coder"},
	})
	require.NoError(t, err)
	assert.True(t, now.Add(6*time.Hour).Equal(req.ExpiresAt))
	assert.Empty(t, req.TaskID)

	stored, err := s.GetApproval(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ApprovalPending, stored.Status)
	assert.Equal(t, taskID, stored.RequestData["task_id"])
	assert.Equal(t, "architect,coder", stored.RequestData["between"])
	assert.Equal(t, []any{"Approve Resolution", "Reject Resolution", "Provide Alternative"}, stored.RequestData["options"])
	assert.Contains(t, stored.RequestData["question"], "high severity conflict")
}

func TestSetOversightLevel_Concurrent(t *testing.T) {
	e := NewEvaluator(nil, DefaultTriggerConfig(), OversightLow)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.SetOversightLevel(OversightHigh)
		}()
		go func() {
			defer wg.Done()
			_ = e.ShouldTrigger(ConditionPhaseCompletion, TriggerContext{Phase: "build"}, e.OversightLevel())
		}()
	}
	wg.Wait()
	assert.Equal(t, OversightHigh, e.OversightLevel())
}

func TestTriggerConfigValidate(t *testing.T) {
	require.NoError(t, DefaultTriggerConfig().Validate())

	cfg := DefaultTriggerConfig()
	cfg.Conditions = append(cfg.Conditions, ConditionConfig{Condition: ConditionAgentError, Enabled: true, TimeoutHours: 1})
	assert.ErrorContains(t, cfg.Validate(), "duplicate")

	cfg = DefaultTriggerConfig()
	cfg.Conditions[0].Condition = "mood"
	assert.ErrorContains(t, cfg.Validate(), "unknown condition")

	_, err := ParseOversightLevel("Medium")
	require.NoError(t, err)
	_, err = ParseOversightLevel("extreme")
	assert.Error(t, err)
}

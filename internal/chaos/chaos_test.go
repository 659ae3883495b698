package chaos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mkutano/internal/ledger"
	"mkutano/internal/remote"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestDrill(t *testing.T) *Drill {
	t.Helper()
	d, err := NewDrill(context.Background(), DrillConfig{
		Writes:      6,
		ItemTimeout: 20 * time.Millisecond,
		Seed:        7,
		Observe:     30 * time.Millisecond,
	}, quietLogger)
	require.NoError(t, err)
	return d
}

func TestEvaluateThreshold(t *testing.T) {
	cases := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true},
		{">", 1, false},
		{"<", 0, true},
		{">=", 1, true},
		{"<=", 1, true},
		{"<=", 2, false},
		{"==", 1, true},
		{"!=", 1, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evaluateThreshold(tc.value, Threshold{Operator: tc.op, Value: 1}), "%v %s 1", tc.value, tc.op)
	}
}

func TestRunExperimentAbortsOnInvalidSteadyState(t *testing.T) {
	engine := NewEngine(5*time.Millisecond, quietLogger)
	executed := false
	res, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "broken",
		SteadyState: []Metric{{
			Name:      "always_one",
			Query:     func(context.Context) (float64, error) { return 1, nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method: []Action{{Execute: func(context.Context) error { executed = true; return nil }}},
	})
	require.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, executed)
	assert.False(t, res.SteadyStateValid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, float64(1), res.Violations[0].Actual)
	assert.Empty(t, engine.Results())
}

func TestRunExperimentTracksRecovery(t *testing.T) {
	engine := NewEngine(2*time.Millisecond, quietLogger)
	var value float64
	start := time.Now()
	res, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "recovers",
		SteadyState: []Metric{{
			Name: "errors",
			Query: func(context.Context) (float64, error) {
				if time.Since(start) > 15*time.Millisecond {
					value = 0
				}
				return value, nil
			},
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Method:     []Action{{Target: "x", Execute: func(context.Context) error { value = 3; return errors.New("boom") }}},
		Validation: []Assertion{{Metric: "errors", Condition: func(v float64) bool { return v == 0 }, Message: "errors must clear"}},
		Duration:   40 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, res.HypothesisHeld)
	assert.NotEmpty(t, res.Violations)
	assert.NotNil(t, res.MTTR)
	require.Len(t, res.ErrorEvents, 1)
	assert.Equal(t, "x", res.ErrorEvents[0].Component)
	assert.Len(t, engine.Results(), 1)
}

func TestFailedAssertionIsReported(t *testing.T) {
	engine := NewEngine(time.Millisecond, quietLogger)
	res, err := engine.RunExperiment(context.Background(), Experiment{
		Name: "unmet",
		SteadyState: []Metric{{
			Name:      "backlog",
			Query:     func(context.Context) (float64, error) { return 4, nil },
			Threshold: Threshold{Operator: "<=", Value: 10},
		}},
		Validation: []Assertion{{Metric: "backlog", Condition: func(v float64) bool { return v == 0 }, Message: "backlog must drain"}},
	})
	require.NoError(t, err)
	assert.False(t, res.HypothesisHeld)
	assert.Equal(t, []string{"backlog must drain"}, res.Failed)
}

func TestFaultyRemote(t *testing.T) {
	store := remote.NewMemoryStore()
	f := NewFaultyRemote(store, 1)
	ctx := context.Background()
	c := &ledger.Contribution{ID: "c1", GroupID: "g", MemberID: "m", Type: ledger.ContributionFine, Amount: decimal.NewFromInt(5)}

	f.Partition()
	_, err := f.CreateContribution(ctx, c)
	require.ErrorIs(t, err, remote.ErrUnavailable)
	assert.Equal(t, remote.ClassTransient, remote.Classify(err))

	f.Heal()
	f.SetLatency(time.Second)
	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = f.CreateContribution(shortCtx, c)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.Heal()
	f.SetFailureRate(1)
	_, err = f.CreateContribution(ctx, c)
	require.ErrorIs(t, err, remote.ErrUnavailable)

	f.Heal()
	_, err = f.CreateContribution(ctx, c)
	require.NoError(t, err)

	calls, injected := f.Counts()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 2, injected)
	n, _, _ := store.Len()
	assert.Equal(t, 1, n)
}

func TestDrillExperimentsHold(t *testing.T) {
	d := newTestDrill(t)
	engine := NewEngine(5*time.Millisecond, quietLogger)

	for _, exp := range Experiments(d) {
		t.Run(exp.Name, func(t *testing.T) {
			res, err := engine.RunExperiment(context.Background(), exp)
			require.NoError(t, err)
			assert.True(t, res.HypothesisHeld, "failed assertions: %v", res.Failed)
		})
	}

	lost, err := d.LostWrites(context.Background())
	require.NoError(t, err)
	assert.Zero(t, lost)
	assert.Zero(t, d.Buffer.Stats("").Pending)
}

func TestStorageExhaustionRefusesWrites(t *testing.T) {
	d := newTestDrill(t)
	engine := NewEngine(5*time.Millisecond, quietLogger)

	res, err := engine.RunExperiment(context.Background(), d.StorageExhaustion())
	require.NoError(t, err)
	assert.True(t, res.HypothesisHeld, "failed assertions: %v", res.Failed)

	unsaved, _ := d.UnsavedWrites(context.Background())
	assert.Equal(t, float64(6), unsaved)
	assert.Zero(t, d.Buffer.Stats("").Total)
}

func TestGameDay(t *testing.T) {
	d := newTestDrill(t)
	engine := NewEngine(5*time.Millisecond, quietLogger)

	held, err := engine.ExecuteGameDay(context.Background(), GameDay{
		Name:      "sync resilience",
		Date:      time.Now(),
		Scenarios: Experiments(d),
		Pause:     time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, held)
	assert.Len(t, engine.Results(), 5)
}

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/buildforge/audit"
	"github.com/c360studio/buildforge/billing"
	"github.com/c360studio/buildforge/llm"
	"github.com/c360studio/buildforge/model"
)

type failingProjects struct{}

func (failingProjects) MarkCompleted(context.Context, string) error {
	return errors.New("db down")
}

func (failingProjects) MarkFailed(context.Context, string, string) error {
	return errors.New("db down")
}

func TestErrorHandler_RefundsOnceAndSurvivesCollaboratorFailures(t *testing.T) {
	ledger := billing.NewMemoryLedger(map[string]int{"u": 20})
	gate := billing.NewGate(ledger)
	sink := &audit.MemorySink{}
	recorder := audit.NewRecorder(audit.WithSink(sink))
	notifier := &fakeNotifier{}

	res, err := gate.Reserve(context.Background(), "u", "run")
	require.NoError(t, err)

	st := NewState("r", "p", "u", "o", "prompt", model.PlanPro, model.ComplexityMedium)
	st.Reservation = res
	st.AddError(StageQA, errors.New("boom"))

	h := NewErrorHandler(gate, failingProjects{}, notifier, recorder, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := h.Handle(ctx, st)
	h.Handle(context.Background(), st)

	assert.Equal(t, llm.RoleAssistant, msg.Role)
	assert.Equal(t, FailureMessage, msg.Content)

	balance, err := ledger.Balance(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)

	_, failures := notifier.counts()
	assert.Equal(t, 2, failures)
	events := sink.Events(audit.ActionProjectFailed)
	require.Len(t, events, 2)
	assert.Equal(t, "qa: boom", events[0].Metadata["errors"])
}

func TestErrorHandler_NilCollaborators(t *testing.T) {
	st := &State{}
	st.AddError(StageArchitect, errors.New("x"))
	msg := NewErrorHandler(nil, nil, nil, nil, nil).Handle(context.Background(), st)
	assert.Equal(t, FailureMessage, msg.Content)
}

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/procurement-engine/action"
	"github.com/songzhibin97/procurement-engine/gate"
	"github.com/songzhibin97/procurement-engine/rules"
	"github.com/songzhibin97/procurement-engine/types"
)

func TestDefaultDefinitions(t *testing.T) {
	policy := gate.NewPolicy(rules.NewExprEvaluator())
	r, err := NewRegistry(policy, DefaultDefinitions()...)
	require.NoError(t, err)

	defs := r.List()
	require.Len(t, defs, 6)
	assert.Equal(t, "price-watch", defs[0].ID)
	for _, d := range defs {
		assert.NotEmpty(t, d.Prompt, d.ID)
		for _, spec := range d.Specs() {
			assert.NotEmpty(t, spec.Description, "%s/%s", d.ID, spec.Name)
		}
	}

	req, err := r.Get("requisition")
	require.NoError(t, err)
	assert.True(t, req.Allows(action.CreateRequisition))
	assert.False(t, req.Allows(action.SendSlackAlert))
	assert.Equal(t, DefaultMaxIterations, req.maxIterations())

	_, err = r.Get("budget-guardian")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.ErrorIs(t, err, types.ErrFatalConfiguration)
}

func TestNewRegistry_Validation(t *testing.T) {
	policy := gate.NewPolicy(rules.NewExprEvaluator())
	tests := []struct {
		name string
		defs []Definition
	}{
		{"missing ID", []Definition{{Name: "nameless"}}},
		{"duplicate", []Definition{{ID: "a"}, {ID: "a"}}},
		{"unknown tool", []Definition{{ID: "a", Tools: []action.Kind{"launch_rocket"}}}},
		{"bad override rule", []Definition{{
			ID:       "a",
			Override: &gate.Override{Sensitive: map[action.Kind][]string{action.SendSlackAlert: {"Level =="}}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(policy, tt.defs...)
			assert.ErrorIs(t, err, types.ErrFatalConfiguration)
		})
	}
}

func TestRender(t *testing.T) {
	out := Render("Hello {user_name} of {department}, {unknown}", map[string]string{
		"user_name":  "Dr. Okafor",
		"department": "Chemistry",
	})
	assert.Equal(t, "Hello Dr. Okafor of Chemistry, {unknown}", out)
	assert.Equal(t, "{x}", Render("{x}", nil))
}

func TestMemoryTaskStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTaskStore()
	task := Task{ID: "t1", Turns: []Turn{{Role: RoleUser, Content: "hi"}}, Context: map[string]string{"k": "v"}}
	require.NoError(t, s.Save(ctx, task))

	task.Turns[0].Content = "changed"
	task.Context["k"] = "changed"
	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Turns[0].Content)
	assert.Equal(t, "v", got.Context["k"])

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.Delete(ctx, "t1"))
	_, err = s.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

package ai

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

type chainSkill struct {
	name string
	next string
}

func (s chainSkill) Name() string { return s.name }

func (s chainSkill) Invoke(ctx context.Context, inv *Invoker, input map[string]any) (map[string]any, error) {
	if s.next == "" {
		return map[string]any{"done": s.name}, nil
	}
	return inv.Invoke(ctx, s.next, input)
}

func TestInvokerChainWithinDepth(t *testing.T) {
	inv := NewInvoker(
		chainSkill{name: "draft", next: "summarize"},
		chainSkill{name: "summarize", next: "extract"},
		chainSkill{name: "extract"},
	)

	out, err := inv.Invoke(context.Background(), "draft", nil)
	require.NoError(t, err)
	assert.Equal(t, "extract", out["done"])
}

func TestInvokerRejectsDeepChain(t *testing.T) {
	inv := NewInvoker(
		chainSkill{name: "a", next: "b"},
		chainSkill{name: "b", next: "c"},
		chainSkill{name: "c", next: "d"},
		chainSkill{name: "d"},
	)

	_, err := inv.Invoke(context.Background(), "a", nil)
	require.Error(t, err)
	var perr *model.PermanentError
	assert.ErrorAs(t, err, &perr)
}

func TestInvokerRejectsDirectCycle(t *testing.T) {
	inv := NewInvoker(chainSkill{name: "loop", next: "loop"})

	_, err := inv.Invoke(context.Background(), "loop", nil)
	require.Error(t, err)
	var perr *model.PermanentError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Reason, "may not invoke itself")
}

func TestInvokerUnknownSkill(t *testing.T) {
	inv := NewInvoker()

	_, err := inv.Invoke(context.Background(), "missing", nil)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

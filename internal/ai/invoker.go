package ai

import (
	"context"
	"fmt"

	"github.com/tsunagi-ai/tsunagi/internal/model"
)

// MaxSkillDepth bounds nested skill invocations. A skill may delegate to
// other skills, but a chain deeper than this is runaway composition.
const MaxSkillDepth = 3

// Skill is one invokable capability. Skills receive the invoker so they can
// delegate, subject to the depth and cycle guards.
type Skill interface {
	Name() string
	Invoke(ctx context.Context, inv *Invoker, input map[string]any) (map[string]any, error)
}

// Invoker executes skills while enforcing the recursion policy: depth is
// capped at MaxSkillDepth and a skill may never invoke itself directly.
type Invoker struct {
	skills map[string]Skill
	chain  []string
}

// NewInvoker builds an invoker over the given skills.
func NewInvoker(skills ...Skill) *Invoker {
	m := make(map[string]Skill, len(skills))
	for _, sk := range skills {
		m[sk.Name()] = sk
	}
	return &Invoker{skills: m}
}

// Invoke runs the named skill. Nested delegation reuses the invoker passed
// into Skill.Invoke, which carries the current chain.
func (inv *Invoker) Invoke(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	sk, ok := inv.skills[name]
	if !ok {
		return nil, &model.ValidationError{Field: "skill", Reason: fmt.Sprintf("unknown skill %q", name)}
	}
	if len(inv.chain) >= MaxSkillDepth {
		return nil, &model.PermanentError{Reason: fmt.Sprintf("skill chain exceeds depth %d: %v", MaxSkillDepth, inv.chain)}
	}
	if n := len(inv.chain); n > 0 && inv.chain[n-1] == name {
		return nil, &model.PermanentError{Reason: fmt.Sprintf("skill %q may not invoke itself", name)}
	}

	next := &Invoker{
		skills: inv.skills,
		chain:  append(append([]string(nil), inv.chain...), name),
	}
	out, err := sk.Invoke(ctx, next, input)
	if err != nil {
		return nil, fmt.Errorf("ai: skill %s: %w", name, err)
	}
	return out, nil
}

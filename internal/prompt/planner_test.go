package prompt

import (
	"context"
	stdErrors "errors"
	"testing"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
)

func noopFunc(_ context.Context, _ *Context) ([]Section, error) { return nil, nil }

func register(t *testing.T, reg *identity.Registry[*Modifier], key string, meta Meta) {
	t.Helper()
	meta.Key = identity.MustParse(key)
	if err := Register(reg, meta, noopFunc); err != nil {
		t.Fatalf("register %s: %v", key, err)
	}
}

func planKeys(entries []PlanEntry) []string {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Modifier.Meta.Key.String())
	}
	return keys
}

func TestPlanIsDeterministic(t *testing.T) {
	build := func(order []string) []string {
		reg := NewRegistry(identity.PolicyStrict)
		metas := map[string]Meta{
			"safety.modifier.guard": {Phase: PhaseSafety},
			"defaults.modifier.base": {Phase: PhaseDefaults},
			"task.modifier.goal":    {Phase: PhaseTask},
			"persona.modifier.user": {Phase: PhasePersona},
		}
		for _, key := range order {
			register(t, reg, key, metas[key])
		}
		planner := NewPlanner(reg, identity.PolicyStrict)
		entries, err := planner.Plan([]string{"safety.guard", "task.goal", "defaults.base", "persona.user"}, &Context{})
		if err != nil {
			t.Fatalf("plan: %v", err)
		}
		return planKeys(entries)
	}

	first := build([]string{"safety.modifier.guard", "defaults.modifier.base", "task.modifier.goal", "persona.modifier.user"})
	second := build([]string{"persona.modifier.user", "task.modifier.goal", "defaults.modifier.base", "safety.modifier.guard"})

	if len(first) != 4 {
		t.Fatalf("expected 4 planned modifiers, got %v", first)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("plan order depends on registration order: %v vs %v", first, second)
		}
	}
	if first[0] != "defaults.modifier.base" || first[3] != "safety.modifier.guard" {
		t.Fatalf("unexpected phase ordering: %v", first)
	}
}

func TestPlanExpandsRequiresTransitively(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	register(t, reg, "domain.modifier.lab", Meta{
		Phase:    PhaseDomain,
		Requires: []identity.Identity{identity.MustParse("persona.modifier.user")},
	})
	register(t, reg, "persona.modifier.user", Meta{
		Phase:    PhasePersona,
		Requires: []identity.Identity{identity.MustParse("defaults.modifier.base")},
	})
	register(t, reg, "defaults.modifier.base", Meta{Phase: PhaseDefaults})

	planner := NewPlanner(reg, identity.PolicyStrict)
	entries, err := planner.Plan([]string{"domain.lab"}, &Context{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := planKeys(entries)
	want := []string{"defaults.modifier.base", "persona.modifier.user", "domain.modifier.lab"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected plan: %v", got)
		}
	}
}

func TestPlanSurvivesRequireCycle(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	register(t, reg, "domain.modifier.a", Meta{
		Phase:    PhaseDomain,
		Requires: []identity.Identity{identity.MustParse("domain.modifier.b")},
	})
	register(t, reg, "domain.modifier.b", Meta{
		Phase:    PhaseDomain,
		Requires: []identity.Identity{identity.MustParse("domain.modifier.a")},
	})

	planner := NewPlanner(reg, identity.PolicyStrict)
	entries, err := planner.Plan([]string{"domain.a"}, &Context{})
	if err != nil {
		t.Fatalf("cycle must not loop forever: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected both cycle members planned once, got %v", planKeys(entries))
	}
}

func TestPlanUnknownKeyStrictVsLenient(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	register(t, reg, "defaults.modifier.base", Meta{Phase: PhaseDefaults})

	strict := NewPlanner(reg, identity.PolicyStrict)
	_, err := strict.Plan([]string{"defaults.base", "ghost.none"}, &Context{})
	if err == nil {
		t.Fatal("strict planner must reject unknown keys")
	}
	if xerrors.CodeOf(err) != CodePlanningFailed {
		t.Fatalf("expected PLANNING_FAILED, got %v", err)
	}

	lenient := NewPlanner(reg, identity.PolicyLenient)
	entries, err := lenient.Plan([]string{"defaults.base", "ghost.none"}, &Context{})
	if err != nil {
		t.Fatalf("lenient planner must drop unknown keys: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 planned modifier, got %v", planKeys(entries))
	}
}

func TestPlanMissingRequirementStrict(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	register(t, reg, "domain.modifier.lab", Meta{
		Phase:    PhaseDomain,
		Requires: []identity.Identity{identity.MustParse("ghost.modifier.none")},
	})

	planner := NewPlanner(reg, identity.PolicyStrict)
	_, err := planner.Plan([]string{"domain.lab"}, &Context{})
	if !stdErrors.Is(err, xerrors.New(CodePlanningFailed, "")) {
		t.Fatalf("expected planning failure, got %v", err)
	}
}

func TestPlanAutoIncludesDefaultsAndTarget(t *testing.T) {
	reg := NewRegistry(identity.PolicyStrict)
	register(t, reg, "defaults.modifier.base", Meta{Phase: PhaseDefaults, Default: true})
	register(t, reg, "history.modifier.recent", Meta{Phase: PhaseHistory, Default: true})
	register(t, reg, "domain.modifier.lab", Meta{Phase: PhaseDomain})
	register(t, reg, "task.modifier.goal", Meta{Phase: PhaseTask})

	planner := NewPlanner(reg, identity.PolicyStrict)

	entries, err := planner.Plan([]string{"task.goal"}, &Context{Target: "domain.lab"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := planKeys(entries)
	want := []string{"defaults.modifier.base", "domain.modifier.lab", "history.modifier.recent", "task.modifier.goal"}
	if len(got) != len(want) {
		t.Fatalf("unexpected plan: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected plan: %v", got)
		}
	}

	// 显式关闭 history 阶段后，该阶段的 default 修饰器被剔除。
	entries, err = planner.Plan([]string{"task.goal"}, &Context{DisabledPhases: []string{"history"}})
	if err != nil {
		t.Fatalf("plan with disabled phase: %v", err)
	}
	for _, key := range planKeys(entries) {
		if key == "history.modifier.recent" {
			t.Fatal("default modifier in a disabled phase must be dropped")
		}
	}
}

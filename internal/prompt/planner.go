package prompt

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/pkg/logger"
)

// maxExpandRounds 限制依赖展开的迭代次数，防止依赖环导致死循环。
const maxExpandRounds = 32

// PlanEntry 是规划结果中的一项，记录修饰器与其进入计划的顺序。
type PlanEntry struct {
	Modifier *Modifier
	Order    int
}

// Planner 将一组修饰器键规划为确定性的执行计划。
type Planner struct {
	registry *identity.Registry[*Modifier]
	policy   identity.Policy
	logger   *slog.Logger
}

// NewPlanner 创建规划器。policy 决定未知键与缺失依赖的处理方式。
func NewPlanner(registry *identity.Registry[*Modifier], policy identity.Policy) *Planner {
	return &Planner{
		registry: registry,
		policy:   policy,
		logger:   logger.Named("prompt"),
	}
}

// Plan 产出阶段有序、依赖完整的执行计划。
// 同样的输入两次规划必然得到同样的顺序。
func (p *Planner) Plan(recipe []string, pc *Context) ([]PlanEntry, error) {
	keys, err := p.normalize(recipe)
	if err != nil {
		return nil, err
	}
	keys = p.autoInclude(keys, pc)
	entries, err := p.validateAndExpand(keys, pc)
	if err != nil {
		return nil, err
	}
	sortPlan(entries)
	return entries, nil
}

// normalize 解析并去重请求键，保留首次出现的顺序。
func (p *Planner) normalize(recipe []string) ([]identity.Identity, error) {
	seen := make(map[identity.Identity]struct{}, len(recipe))
	keys := make([]identity.Identity, 0, len(recipe))
	for _, raw := range recipe {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		key, err := ParseKey(raw)
		if err != nil {
			if p.policy == identity.PolicyStrict {
				return nil, err
			}
			p.logger.Warn("丢弃无法解析的修饰器键", slog.String("key", raw))
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	return keys, nil
}

// autoInclude 追加目标修饰器与所有 default 修饰器。
// 被显式关闭阶段中的 default 修饰器不参与；目标修饰器仅在已注册时加入。
func (p *Planner) autoInclude(keys []identity.Identity, pc *Context) []identity.Identity {
	seen := make(map[identity.Identity]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}

	if pc != nil && strings.TrimSpace(pc.Target) != "" {
		if target, err := ParseKey(pc.Target); err == nil {
			if _, ok := p.registry.Lookup(target); ok {
				if _, dup := seen[target]; !dup {
					seen[target] = struct{}{}
					keys = append(keys, target)
				}
			}
		}
	}

	// 快照遍历顺序不稳定，按键名排序保证计划可复现。
	defaults := make([]*Modifier, 0)
	for _, modifier := range p.registry.Snapshot() {
		if modifier.Meta.Default {
			defaults = append(defaults, modifier)
		}
	}
	sort.Slice(defaults, func(i, j int) bool {
		return defaults[i].Meta.Key.String() < defaults[j].Meta.Key.String()
	})
	for _, modifier := range defaults {
		if pc.PhaseDisabled(modifier.Meta.Phase) {
			continue
		}
		if _, dup := seen[modifier.Meta.Key]; dup {
			continue
		}
		seen[modifier.Meta.Key] = struct{}{}
		keys = append(keys, modifier.Meta.Key)
	}
	return keys
}

// validateAndExpand 校验每个键可解析，并传递展开 requires 依赖。
// strict 策略下未知键或缺失依赖返回 PLANNING_FAILED；lenient 策略记录警告后丢弃。
func (p *Planner) validateAndExpand(keys []identity.Identity, pc *Context) ([]PlanEntry, error) {
	entries := make([]PlanEntry, 0, len(keys))
	planned := make(map[identity.Identity]struct{}, len(keys))
	order := 0

	include := func(key identity.Identity) error {
		if _, ok := planned[key]; ok {
			return nil
		}
		modifier, ok := p.registry.Lookup(key)
		if !ok {
			if p.policy == identity.PolicyStrict {
				return xerrors.New(CodePlanningFailed,
					fmt.Sprintf("修饰器 %s 未注册", key))
			}
			p.logger.Warn("丢弃未注册的修饰器", slog.String("key", key.String()))
			return nil
		}
		planned[key] = struct{}{}
		entries = append(entries, PlanEntry{Modifier: modifier, Order: order})
		order++
		return nil
	}

	for _, key := range keys {
		if err := include(key); err != nil {
			return nil, err
		}
	}

	// 逐轮展开依赖，直到计划收敛或超出上限。
	for round := 0; ; round++ {
		if round >= maxExpandRounds {
			if p.policy == identity.PolicyStrict {
				return nil, xerrors.New(CodePlanningFailed, "修饰器依赖展开超出迭代上限，疑似依赖环")
			}
			p.logger.Warn("修饰器依赖展开超出迭代上限，按当前计划继续")
			break
		}
		before := len(entries)
		for _, entry := range entries[:before] {
			for _, required := range entry.Modifier.Meta.Requires {
				if _, ok := planned[required]; ok {
					continue
				}
				if _, ok := p.registry.Lookup(required); !ok {
					if p.policy == identity.PolicyStrict {
						return nil, xerrors.New(CodePlanningFailed,
							fmt.Sprintf("修饰器 %s 依赖的 %s 未注册", entry.Modifier.Meta.Key, required))
					}
					p.logger.Warn("丢弃缺失的修饰器依赖",
						slog.String("modifier", entry.Modifier.Meta.Key.String()),
						slog.String("requires", required.String()),
					)
					planned[required] = struct{}{}
					continue
				}
				if err := include(required); err != nil {
					return nil, err
				}
			}
		}
		if len(entries) == before {
			break
		}
	}
	return entries, nil
}

// sortPlan 按 (阶段, 优先级, 进入顺序, 键名) 稳定排序。
func sortPlan(entries []PlanEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Modifier.Meta.Phase != b.Modifier.Meta.Phase {
			return a.Modifier.Meta.Phase < b.Modifier.Meta.Phase
		}
		if a.Modifier.Meta.Priority != b.Modifier.Meta.Priority {
			return a.Modifier.Meta.Priority < b.Modifier.Meta.Priority
		}
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Modifier.Meta.Key.String() < b.Modifier.Meta.Key.String()
	})
}

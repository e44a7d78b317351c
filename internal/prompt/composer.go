package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "OpenLLM-Orchestra/internal/errors"
	"OpenLLM-Orchestra/internal/identity"
	"OpenLLM-Orchestra/pkg/logger"
)

// Composer 执行规划好的修饰器并合并渲染结果。
// 并发只发生在执行阶段；合并与渲染始终是单线程且确定性的。
type Composer struct {
	planner *Planner
	policy  identity.Policy
	logger  *slog.Logger
}

// NewComposer 创建组合器。
func NewComposer(registry *identity.Registry[*Modifier], policy identity.Policy) *Composer {
	return &Composer{
		planner: NewPlanner(registry, policy),
		policy:  policy,
		logger:  logger.Named("prompt"),
	}
}

// Planner 暴露内部规划器，供只需要计划的调用方使用。
func (c *Composer) Planner() *Planner {
	return c.planner
}

// Compose 规划、并发执行并渲染一份完整的指令文本。
func (c *Composer) Compose(ctx context.Context, recipe []string, pc *Context) (string, error) {
	sections, err := c.Sections(ctx, recipe, pc)
	if err != nil {
		return "", err
	}
	return Render(sections), nil
}

// Sections 返回合并后的片段集合，渲染交由调用方。
func (c *Composer) Sections(ctx context.Context, recipe []string, pc *Context) ([]Section, error) {
	plan, err := c.planner.Plan(recipe, pc)
	if err != nil {
		return nil, err
	}
	produced, err := c.execute(ctx, plan, pc)
	if err != nil {
		return nil, err
	}
	return mergeByID(produced), nil
}

// execute 并发调用计划内的全部修饰器。
// 执行顺序不保证；结果按计划位置落位，保证后续合并的确定性。
// 单个修饰器的错误或 panic 被按修饰器捕获：strict 策略传播计划顺序上
// 最靠前的错误，lenient 策略记录并丢弃该修饰器的产出。
func (c *Composer) execute(ctx context.Context, plan []PlanEntry, pc *Context) ([][]Section, error) {
	produced := make([][]Section, len(plan))
	failures := make([]error, len(plan))

	var wg sync.WaitGroup
	for i, entry := range plan {
		wg.Add(1)
		go func(slot int, modifier *Modifier) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					failures[slot] = xerrors.New(CodePlanningFailed,
						fmt.Sprintf("修饰器 %s panic: %v", modifier.Meta.Key, r))
				}
			}()
			sections, err := modifier.Run(ctx, pc)
			if err != nil {
				failures[slot] = err
				return
			}
			produced[slot] = sections
		}(i, entry.Modifier)
	}
	wg.Wait()

	for i, failure := range failures {
		if failure == nil {
			continue
		}
		if c.policy == identity.PolicyStrict {
			return nil, xerrors.Wrap(CodePlanningFailed, failure,
				fmt.Sprintf("修饰器 %s 执行失败", plan[i].Modifier.Meta.Key))
		}
		c.logger.Warn("丢弃执行失败的修饰器产出",
			slog.String("modifier", plan[i].Modifier.Meta.Key.String()),
			slog.Any("error", failure),
		)
		produced[i] = nil
	}
	return produced, nil
}

// mergeByID 按计划顺序合并同 ID 片段，合并策略由先到的片段声明。
func mergeByID(produced [][]Section) []Section {
	merged := make([]Section, 0)
	index := make(map[string]int)
	for _, sections := range produced {
		for _, section := range sections {
			if section.ID == "" {
				merged = append(merged, section)
				continue
			}
			if at, ok := index[section.ID]; ok {
				merged[at] = mergeSections(merged[at], section)
				continue
			}
			index[section.ID] = len(merged)
			merged = append(merged, section)
		}
	}
	return merged
}

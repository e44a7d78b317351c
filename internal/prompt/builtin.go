package prompt

import (
	"context"
	"fmt"
	"strings"

	"OpenLLM-Orchestra/internal/identity"
)

// HistorySource 为 history 修饰器提供最近的对话摘录。
// 通常由审计存储实现。
type HistorySource interface {
	RecentReplies(ctx context.Context, target string, limit int) ([]string, error)
}

// BuiltinConfig 控制内置修饰器的注册内容。
type BuiltinConfig struct {
	// BaseInstruction 是 defaults.base 输出的基础指令文本。
	BaseInstruction string
	// History 可为空；为空时不注册 history.recent。
	History HistorySource
	// HistoryDepth 限制注入的历史条数。
	HistoryDepth int
}

// RegisterBuiltins 注册引擎自带的修饰器集合。
// 这是显式的启动例程，取代任何依赖导入副作用的注册方式。
func RegisterBuiltins(reg *identity.Registry[*Modifier], cfg BuiltinConfig) error {
	base := cfg.BaseInstruction
	if strings.TrimSpace(base) == "" {
		base = "You are a structured reasoning engine. Follow the task instructions " +
			"and respond with the requested structure only."
	}
	depth := cfg.HistoryDepth
	if depth <= 0 {
		depth = 5
	}

	builtins := []struct {
		meta Meta
		run  Func
	}{
		{
			meta: Meta{
				Key:     identity.MustParse("defaults.modifier.base"),
				Phase:   PhaseDefaults,
				Default: true,
			},
			run: func(_ context.Context, _ *Context) ([]Section, error) {
				return []Section{TextSection("defaults.base", base, 0)}, nil
			},
		},
		{
			meta: Meta{
				Key:   identity.MustParse("persona.modifier.user"),
				Phase: PhasePersona,
			},
			run: func(_ context.Context, pc *Context) ([]Section, error) {
				// 上下文中没有用户时不产出任何片段，这不是错误。
				if pc == nil || strings.TrimSpace(pc.User) == "" {
					return nil, nil
				}
				return []Section{TextSection("persona.user",
					fmt.Sprintf("You are assisting %s.", pc.User), 10)}, nil
			},
		},
		{
			meta: Meta{
				Key:   identity.MustParse("persona.modifier.role"),
				Phase: PhasePersona,
			},
			run: func(_ context.Context, pc *Context) ([]Section, error) {
				if pc == nil || strings.TrimSpace(pc.Role) == "" {
					return nil, nil
				}
				return []Section{TextSection("persona.role",
					fmt.Sprintf("The caller acts in the role of %s.", pc.Role), 11)}, nil
			},
		},
		{
			meta: Meta{
				Key:   identity.MustParse("task.modifier.goal"),
				Phase: PhaseTask,
			},
			run: func(_ context.Context, pc *Context) ([]Section, error) {
				goal := pc.StringValue("goal")
				if goal == "" {
					return nil, nil
				}
				return []Section{TextSection("task.goal", "## Task\n"+goal, 40)}, nil
			},
		},
		{
			meta: Meta{
				Key:     identity.MustParse("safety.modifier.guard"),
				Phase:   PhaseSafety,
				Default: true,
			},
			run: func(_ context.Context, _ *Context) ([]Section, error) {
				return []Section{TextSection("safety.guard",
					"Never invent facts that are not supported by the provided context.", 90)}, nil
			},
		},
	}

	if cfg.History != nil {
		builtins = append(builtins, struct {
			meta Meta
			run  Func
		}{
			meta: Meta{
				Key:     identity.MustParse("history.modifier.recent"),
				Phase:   PhaseHistory,
				Default: true,
			},
			run: func(ctx context.Context, pc *Context) ([]Section, error) {
				target := ""
				if pc != nil {
					target = pc.Target
				}
				replies, err := cfg.History.RecentReplies(ctx, target, depth)
				if err != nil {
					return nil, err
				}
				if len(replies) == 0 {
					return nil, nil
				}
				var builder strings.Builder
				builder.WriteString("## Recent context\n")
				for i, reply := range replies {
					builder.WriteString(fmt.Sprintf("[%d] %s\n", i+1, strings.TrimSpace(reply)))
				}
				return []Section{TextSection("history.recent", builder.String(), 30)}, nil
			},
		})
	}

	for _, builtin := range builtins {
		if err := Register(reg, builtin.meta, builtin.run); err != nil {
			return err
		}
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenLLM-Orchestra/internal/bootstrap"
	"OpenLLM-Orchestra/internal/config"
	"OpenLLM-Orchestra/internal/dispatch"
	"OpenLLM-Orchestra/internal/prompt"
	"OpenLLM-Orchestra/pkg/logger"
)

// main 是编排命令行工具的入口，用于在进程内执行一次服务调用。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orchestractl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		configPath  = flag.String("config", "", "配置文件路径，默认 configs/orchestra.yaml")
		serviceKey  = flag.String("service", "", "要调用的服务键，如 demo.chat")
		contextJSON = flag.String("context", "", "JSON 形式的提示词上下文")
		goal        = flag.String("goal", "", "任务目标，写入上下文的 goal 键")
		dryRun      = flag.Bool("dry-run", false, "只组合提示词并打印请求，不触达供应商")
		stream      = flag.Bool("stream", false, "流式输出回复增量")
		enqueue     = flag.Bool("enqueue", false, "要求异步执行并等待完成")
		wait        = flag.Duration("wait", 2*time.Minute, "异步执行的等待上限")
	)
	flag.Parse()

	if *serviceKey == "" {
		return errors.New("必须通过 -service 指定服务键")
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("ORCHESTRA_CONFIG")
	}
	if path == "" {
		path = filepath.Join("configs", "orchestra.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	// 命令行工具只把告警以上的日志打到终端，避免干扰结果输出。
	if err := logger.Init(logger.Config{Level: "warn", Format: "text", OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	defer logger.Sync()

	pc, err := parseContext(*contextJSON, *goal)
	if err != nil {
		return err
	}

	engine, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	switch {
	case *dryRun:
		return runDryRun(ctx, engine, *serviceKey, pc)
	case *stream:
		return runStream(ctx, engine, *serviceKey, pc)
	default:
		return runInvoke(ctx, engine, *serviceKey, pc, *enqueue, *wait)
	}
}

// parseContext 解析上下文 JSON，-goal 作为便捷入口写入 values.goal。
func parseContext(raw, goal string) (*prompt.Context, error) {
	pc := &prompt.Context{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), pc); err != nil {
			return nil, fmt.Errorf("解析 -context JSON 失败: %w", err)
		}
	}
	if goal != "" {
		if pc.Values == nil {
			pc.Values = make(map[string]any)
		}
		pc.Values["goal"] = goal
	}
	return pc, nil
}

// runDryRun 打印组合后的请求，不触达供应商。
func runDryRun(ctx context.Context, engine *bootstrap.Engine, serviceKey string, pc *prompt.Context) error {
	req, err := engine.Orchestrator.BuildRequest(ctx, serviceKey, pc)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

// runStream 把回复增量实时写到标准输出。
func runStream(ctx context.Context, engine *bootstrap.Engine, serviceKey string, pc *prompt.Context) error {
	chunks, err := engine.Orchestrator.Stream(ctx, serviceKey, pc)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		fmt.Print(chunk.Text)
	}
	fmt.Println()
	return nil
}

// runInvoke 执行一次完整调用。异步路径在进程内起一个消费者，
// 等待执行单元进入终态后打印结果。
func runInvoke(ctx context.Context, engine *bootstrap.Engine, serviceKey string, pc *prompt.Context, enqueue bool, wait time.Duration) error {
	var hint *dispatch.Hint
	if enqueue {
		hint = &dispatch.Hint{Enqueue: &enqueue}
	}

	work, err := engine.Orchestrator.Invoke(ctx, serviceKey, pc, hint)
	if err != nil {
		return err
	}

	if work.Status == dispatch.StatusEnqueued {
		workerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go engine.Worker.Start(workerCtx)

		waitCtx, cancelWait := context.WithTimeout(ctx, wait)
		defer cancelWait()
		work, err = engine.Orchestrator.WaitUntilCompleted(waitCtx, work.ID, 0)
		if err != nil {
			return err
		}
	}

	if work.Status == dispatch.StatusFailed {
		return fmt.Errorf("执行失败 [%s]: %s", work.ErrorCode, work.LastError)
	}
	encoded, err := json.MarshalIndent(json.RawMessage(work.Result), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

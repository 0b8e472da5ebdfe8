package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xquery/pkg/storage/xquery"
)

// exitError 表示需要非零退出码但已完成输出的场景。
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// usageError 表示命令参数错误，对应退出码 2。
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// 创建所有子命令。
func createCommands() []*cli.Command {
	return []*cli.Command{
		createValidateCommand(),
		createKeyCommand(),
		createSimulateCommand(),
	}
}

// createValidateCommand 创建 validate 子命令。
func createValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "校验配置文件并打印解析后的策略",
		ArgsUsage: "[config]",
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if cmd.Args().Len() > 0 {
				path = cmd.Args().First()
			}
			if path == "" {
				return &usageError{msg: "validate 需要配置文件路径（--config 或位置参数）"}
			}
			return cmdValidate(os.Stdout, path)
		},
	}
}

// createKeyCommand 创建 key 子命令。
func createKeyCommand() *cli.Command {
	return &cli.Command{
		Name:      "key",
		Aliases:   []string{"k"},
		Usage:     "打印 Key 的规范形式与类别",
		ArgsUsage: "<part> [part...]",
		Action: func(_ context.Context, cmd *cli.Command) error {
			return cmdKey(os.Stdout, cmd.Args().Slice())
		},
	}
}

// loadConfig 加载配置文件，path 为空时返回默认配置。
func loadConfig(path string) (*xquery.Config, error) {
	if path == "" {
		return xquery.DefaultConfig(), nil
	}
	return xquery.LoadConfig(path)
}

// cmdValidate 校验配置并按类别输出生效策略。
func cmdValidate(w io.Writer, path string) error {
	cfg, err := xquery.LoadConfig(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "config: %s\n", path)
	fmt.Fprintf(w, "eviction_grace: %s\n", cfg.EvictionGrace)
	fmt.Fprintf(w, "gc_interval: %s\n", cfg.GCInterval)
	fmt.Fprintf(w, "subscriber_buffer: %d\n", cfg.SubscriberBuffer)
	if cfg.ShardCount > 0 {
		fmt.Fprintf(w, "shard_count: %d\n", cfg.ShardCount)
	}
	printPolicy(w, "default", cfg.Default)

	names := make([]string, 0, len(cfg.Classes))
	for name := range cfg.Classes {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		printPolicy(w, "class "+name, cfg.Classes[name])
	}
	return nil
}

func printPolicy(w io.Writer, title string, p xquery.Policy) {
	fmt.Fprintf(w, "[%s]\n", title)
	fmt.Fprintf(w, "  stale_after: %s\n", p.StaleAfter)
	fmt.Fprintf(w, "  fetch_timeout: %s\n", formatOptional(p.FetchTimeout))
	fmt.Fprintf(w, "  background_interval: %s\n", formatOptional(p.BackgroundInterval))
	fmt.Fprintf(w, "  skip_read_revalidation: %t\n", p.SkipReadRevalidation)
	if p.Retry.Attempts > 1 {
		fmt.Fprintf(w, "  retry: attempts=%d delay=%s max_delay=%s\n",
			p.Retry.Attempts, p.Retry.Delay, formatOptional(p.Retry.MaxDelay))
	}
	if p.Breaker.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, "  breaker: consecutive_failures=%d open_timeout=%s\n",
			p.Breaker.ConsecutiveFailures, formatOptional(p.Breaker.OpenTimeout))
	}
}

// formatOptional 将零值时长显示为 "off"。
func formatOptional(d time.Duration) string {
	if d <= 0 {
		return "off"
	}
	return d.String()
}

// cmdKey 解析命令行参数为 Key 并打印其规范形式。
func cmdKey(w io.Writer, args []string) error {
	if len(args) == 0 {
		return &usageError{msg: "key 至少需要一个组成部分"}
	}
	parts := make([]any, len(args))
	for i, arg := range args {
		parts[i] = parsePart(arg)
	}
	key, err := xquery.NewKey(parts...)
	if err != nil {
		return &usageError{msg: err.Error()}
	}
	fmt.Fprintf(w, "key:   %s\n", key)
	fmt.Fprintf(w, "id:    %s\n", key.ID())
	fmt.Fprintf(w, "class: %s\n", key.Class())
	return nil
}

// parsePart 将参数识别为整数、布尔、浮点数或字符串。
// 前缀 "=" 强制按字符串处理，例如 "=1"。
func parsePart(arg string) any {
	if len(arg) > 0 && arg[0] == '=' {
		return arg[1:]
	}
	if i, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return i
	}
	if b, err := strconv.ParseBool(arg); err == nil && (arg == "true" || arg == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	return arg
}

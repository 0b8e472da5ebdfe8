// xqueryctl 是 xquery 查询缓存的命令行工具。
//
// 用法:
//
//	xqueryctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config   配置文件路径（YAML/JSON），为空时使用默认配置
//
// 命令:
//
//	validate       校验配置文件并打印解析后的策略
//	key <parts>    打印 Key 的规范形式与类别
//	simulate       以模拟后端压测缓存，结束后打印统计
//	help           显示帮助信息
//
// 退出码:
//
//	0: 命令执行成功
//	1: 命令执行失败（配置无效、模拟过程出错等）
//	2: 参数错误（缺少必需参数、未知命令等）
//
// 示例:
//
//	xqueryctl -c xquery.yaml validate
//	xqueryctl key user 42
//	xqueryctl -c xquery.yaml simulate --duration 10s --keys 32 --failure-rate 0.1
//	xqueryctl -c xquery.yaml simulate --watch --duration 1m
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v3"
)

// 版本信息（可通过 -ldflags 注入，例如:
//
//	go build -ldflags "-X main.Version=1.0.0 -X main.GitCommit=$(git rev-parse --short HEAD)"
//
// ）。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(os.Args))
}

// createApp 创建 CLI 应用。
func createApp() *cli.Command {
	return &cli.Command{
		Name:    "xqueryctl",
		Usage:   "xquery 查询缓存命令行工具",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（.yaml/.yml/.json）",
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "help",
		// 由 run() 统一处理退出码映射，禁止 urfave/cli 直接调用 os.Exit。
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
		Description: `xqueryctl 用于离线校验 xquery 配置，并在本地以模拟后端
观察缓存在并发读取、失效与 mutation 下的行为。

simulate 选项:
  --duration, -d      运行时长
  --workers, -w       并发读取者数量
  --keys, -k          Key 空间大小
  --latency           模拟后端延迟
  --failure-rate      模拟后端失败率 [0, 1]
  --watch             监听配置文件变更并热更新`,
	}
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := createApp().Run(ctx, args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		var usageErr *usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintf(os.Stderr, "参数错误: %v\n", usageErr)
			return 2
		}
		if isCLIUsageError(err) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		return 1
	}
	return 0
}

// isCLIUsageError 判断错误是否来自 CLI 框架的参数解析。
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"flag provided but not defined",
		"No help topic for",
		"invalid value",
		"Required flag",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

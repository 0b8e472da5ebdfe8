package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/omeyang/xquery/pkg/storage/xquery"
)

// errBackend 是模拟后端注入的失败。
var errBackend = errors.New("simulated backend failure")

// simulateOptions 是 simulate 子命令的参数。
type simulateOptions struct {
	configPath  string
	duration    time.Duration
	workers     int
	keys        int
	latency     time.Duration
	failureRate float64
	mutateEvery time.Duration
	watch       bool
	verbose     bool
}

func (o simulateOptions) validate() error {
	switch {
	case o.duration <= 0:
		return &usageError{msg: "--duration 必须大于 0"}
	case o.workers <= 0:
		return &usageError{msg: "--workers 必须大于 0"}
	case o.keys <= 0:
		return &usageError{msg: "--keys 必须大于 0"}
	case o.latency < 0 || o.mutateEvery < 0:
		return &usageError{msg: "--latency 与 --mutate-every 不能为负"}
	case o.failureRate < 0 || o.failureRate > 1:
		return &usageError{msg: "--failure-rate 必须在 [0, 1] 内"}
	case o.watch && o.configPath == "":
		return &usageError{msg: "--watch 需要 --config"}
	}
	return nil
}

// createSimulateCommand 创建 simulate 子命令。
func createSimulateCommand() *cli.Command {
	return &cli.Command{
		Name:    "simulate",
		Aliases: []string{"sim"},
		Usage:   "以模拟后端运行缓存并打印统计",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "运行时长", Value: 5 * time.Second},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "并发读取者数量", Value: 8},
			&cli.IntFlag{Name: "keys", Aliases: []string{"k"}, Usage: "Key 空间大小", Value: 16},
			&cli.DurationFlag{Name: "latency", Usage: "模拟后端延迟", Value: 20 * time.Millisecond},
			&cli.FloatFlag{Name: "failure-rate", Usage: "模拟后端失败率 [0, 1]", Value: 0.05},
			&cli.DurationFlag{Name: "mutate-every", Usage: "mutation 间隔，0 表示不发起 mutation", Value: 200 * time.Millisecond},
			&cli.BoolFlag{Name: "watch", Usage: "监听配置文件变更并热更新"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"V"}, Usage: "输出 debug 日志"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdSimulate(ctx, os.Stdout, simulateOptions{
				configPath:  cmd.String("config"),
				duration:    cmd.Duration("duration"),
				workers:     cmd.Int("workers"),
				keys:        cmd.Int("keys"),
				latency:     cmd.Duration("latency"),
				failureRate: cmd.Float("failure-rate"),
				mutateEvery: cmd.Duration("mutate-every"),
				watch:       cmd.Bool("watch"),
				verbose:     cmd.Bool("verbose"),
			})
		},
	}
}

// backend 是带延迟与随机失败的模拟数据源。
type backend struct {
	latency     time.Duration
	failureRate float64
	calls       atomic.Int64
	version     atomic.Int64
}

// call 模拟一次后端往返：等待 latency，并按 failureRate 失败。
func (b *backend) call(ctx context.Context) error {
	b.calls.Add(1)
	if b.latency > 0 {
		t := time.NewTimer(b.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if b.failureRate > 0 && rand.Float64() < b.failureRate {
		return errBackend
	}
	return nil
}

// fetcher 返回读取 key 的 FetchFunc。
func (b *backend) fetcher(key xquery.Key) xquery.FetchFunc {
	return func(ctx context.Context) (any, error) {
		if err := b.call(ctx); err != nil {
			return nil, err
		}
		return fmt.Sprintf("%s@v%d", key, b.version.Load()), nil
	}
}

// write 模拟一次服务端写入，返回新版本号。
func (b *backend) write(ctx context.Context) (any, error) {
	if err := b.call(ctx); err != nil {
		return nil, err
	}
	return b.version.Add(1), nil
}

// simulateReport 汇总一次模拟的结果。
type simulateReport struct {
	reads     atomic.Int64
	readErrs  atomic.Int64
	events    atomic.Int64
	mutations atomic.Int64
	reloads   atomic.Int64
}

// cmdSimulate 运行并发读取、订阅与 mutation，直到超时或收到信号。
func cmdSimulate(ctx context.Context, w io.Writer, opts simulateOptions) error {
	if err := opts.validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	client, err := xquery.New(xquery.WithConfig(cfg), xquery.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	var report simulateReport
	if opts.watch {
		watcher, err := xquery.WatchConfig(opts.configPath, func(cfg *xquery.Config, err error) {
			if err == nil {
				err = client.ApplyConfig(cfg)
			}
			if err != nil {
				logger.Warn("xqueryctl: config reload rejected", slog.Any("error", err))
				return
			}
			report.reloads.Add(1)
			logger.Info("xqueryctl: config reloaded", slog.String("path", opts.configPath))
		}, 0)
		if err != nil {
			return err
		}
		defer func() { _ = watcher.Stop() }()
	}

	be := &backend{latency: opts.latency, failureRate: opts.failureRate}
	keyAt := func(i int) xquery.Key { return xquery.MustKey("item", i) }

	runCtx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	for range opts.workers {
		g.Go(func() error {
			for gctx.Err() == nil {
				key := keyAt(rand.IntN(opts.keys))
				if _, err := client.FetchOrGet(gctx, key, be.fetcher(key)); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					report.readErrs.Add(1)
				}
				report.reads.Add(1)
			}
			return nil
		})
	}

	g.Go(func() error {
		key := keyAt(0)
		sub, err := client.Subscribe(key, xquery.WithFetcher(be.fetcher(key)))
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case _, ok := <-sub.C():
				if !ok {
					return nil
				}
				report.events.Add(1)
			}
		}
	})

	if opts.mutateEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(opts.mutateEvery)
			defer ticker.Stop()
			for n := 1; ; n++ {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
				}
				key := keyAt(rand.IntN(opts.keys))
				_, _ = client.Mutate(gctx, xquery.Mutation{
					Keys:       []xquery.Key{key},
					Optimistic: func(xquery.Key, xquery.Snapshot) any { return "pending write" },
					Do:         be.write,
					Reconcile: func(k xquery.Key, result any) (any, bool) {
						return fmt.Sprintf("%s@v%d", k, result), true
					},
				})
				report.mutations.Add(1)
				// 周期性整体失效，驱动订阅 Key 的重新验证
				if n%5 == 0 {
					client.InvalidatePrefix(xquery.MustKey("item"))
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	printReport(w, &report, be, client.Stats())
	return nil
}

func printReport(w io.Writer, r *simulateReport, be *backend, s xquery.Stats) {
	fmt.Fprintf(w, "reads:          %d (errors %d)\n", r.reads.Load(), r.readErrs.Load())
	fmt.Fprintf(w, "backend calls:  %d\n", be.calls.Load())
	fmt.Fprintf(w, "mutations:      %d (rollbacks %d)\n", r.mutations.Load(), s.Rollbacks)
	fmt.Fprintf(w, "events:         %d (dropped %d)\n", r.events.Load(), s.DroppedEvents)
	fmt.Fprintf(w, "config reloads: %d\n", r.reloads.Load())
	fmt.Fprintf(w, "entries:        %d\n", s.Entries)
	fmt.Fprintf(w, "fetches:        %d (joins %d, errors %d, cancelled %d)\n",
		s.Fetches, s.Joins, s.FetchErrors, s.Cancellations)
	fmt.Fprintf(w, "stale writes:   %d\n", s.StaleWrites)
	fmt.Fprintf(w, "evictions:      %d\n", s.Evictions)
}

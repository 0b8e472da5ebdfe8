// Package xquery 提供进程内的查询缓存与 mutation 协调器。
//
// # 设计理念
//
// xquery 缓存异步获取的值，并保证在并发 fetch、失效与乐观 mutation 交织时
// 调用方看到的状态是一致的：
//   - 同一 Key 的并发 fetch 只执行一次（按代次去重）
//   - 每个 Entry 维护单调递增的代次，代次落后的结果被静默丢弃
//   - fetch 失败时保留上一次成功的值（stale-while-error）
//   - mutation 先乐观写入，失败或取消时无条件回滚到快照
//
// # 核心组件
//
//   - Key：有序的基本类型序列，按规范序列化判等（1 与 "1" 不同）
//   - Entry Store：每个 Key 一条记录，xxhash 分片加锁
//   - In-Flight Registry：每个 Key、每个代次最多一个 fetch，支持取消
//   - Revalidation Scheduler：Idle → Due → Fetching → Idle 状态机与后台间隔定时器
//   - Mutation Coordinator：快照、乐观写入、提交或回滚、settle 后重新验证
//   - Client：对外门面
//
// # 快速开始
//
// 使用 New 创建 Client，FetchOrGet 获取值，Read 非阻塞读取快照，
// Mutate 执行乐观更新，Subscribe 订阅变化。
//
// 详细使用示例参考 example_test.go。
//
// # 代次规则
//
// 成功结果写入时代次变为 max(捕获代次, 存储代次) + 1；
// Invalidate、乐观写入与回滚都会立即递增代次，
// 使此前启动的 fetch 在完成前就已被取代。
// 失效后的新 fetch 不会加入被取代的 fetch，而是重新发起。
//
// # Context 处理
//
// fetch 在 Client 管理的独立 context 中执行：
//   - 调用方 ctx 结束只会停止该调用方的等待，fetch 继续为其他调用方运行
//   - Policy.FetchTimeout 约束单次 fetch 的总时长
//   - Cancel 取消 fetch 并以 ErrCancelled 释放所有等待者，Entry 保持不变
//
// # 配置
//
// Policy 按 Key 的类别（首个字符串组成部分）选择，可从 YAML/JSON 加载
// （LoadConfig），并通过 WatchConfig + Client.ApplyConfig 热更新。
// Policy 可选启用重试（retry-go）与熔断（gobreaker）。
//
// # 可观测性
//
// 指标与追踪使用 OpenTelemetry（默认全局 provider），日志使用 slog。
// Client.Stats 返回进程内统计快照。
package xquery

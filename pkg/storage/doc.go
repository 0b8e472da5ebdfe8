// Package storage 提供数据存储相关的子包。
//
// 子包列表：
//   - xquery: 进程内查询缓存与 mutation 协调器，按 Key 去重 fetch、按策略重新验证、
//     乐观更新并自动回滚
//
// 设计原则：
//   - 值对 Client 不透明，传输与序列化由调用方负责
//   - 内置可观测性（指标、追踪、结构化日志）
//   - 容错策略（重试、熔断）按 Key 类别配置
package storage

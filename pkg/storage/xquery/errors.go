package xquery

import (
	"errors"
	"fmt"
)

// =============================================================================
// Key 相关错误
// =============================================================================

var (
	// ErrEmptyKey 表示 Key 不包含任何组成部分。
	ErrEmptyKey = errors.New("xquery: empty key")

	// ErrInvalidKeyPart 表示 Key 组成部分的类型不受支持（仅支持字符串、数字、布尔值），
	// 或数字为 NaN/Inf。
	ErrInvalidKeyPart = errors.New("xquery: invalid key part")
)

// =============================================================================
// 操作相关错误
// =============================================================================

var (
	// ErrNilFetcher 表示 fetch 函数为 nil。
	ErrNilFetcher = errors.New("xquery: nil fetch function")

	// ErrNilMutation 表示 Mutation.Do 为 nil 或未指定目标 Key。
	ErrNilMutation = errors.New("xquery: nil mutation")

	// ErrOperationFailed 是注入操作（fetch/mutate）失败的分类错误。
	// 具体失败以 *OperationError 返回，可通过 errors.Is 判断。
	ErrOperationFailed = errors.New("xquery: operation failed")

	// ErrCancelled 表示 in-flight 操作在完成前被取消。
	// 取消不会修改 Entry。
	ErrCancelled = errors.New("xquery: operation cancelled")

	// ErrClosed 表示 Client 已关闭。
	ErrClosed = errors.New("xquery: client closed")

	// ErrFetchPanic 表示 fetch 函数发生了 panic。
	// panic 被 recover 为错误，不会终止后台 goroutine 所在进程。
	ErrFetchPanic = errors.New("xquery: fetch function panicked")

	// ErrMutationPanic 表示 mutation 函数发生了 panic，按失败处理并回滚。
	ErrMutationPanic = errors.New("xquery: mutation function panicked")

	// ErrEvictedWhileFetching 表示 Entry 在仍有 in-flight 操作引用时被淘汰。
	// 这是不变量被破坏，不是可恢复错误：遇到时直接 panic。
	ErrEvictedWhileFetching = errors.New("xquery: entry evicted while fetching")
)

// =============================================================================
// 配置相关错误
// =============================================================================

var (
	// ErrInvalidConfig 表示配置参数无效。
	ErrInvalidConfig = errors.New("xquery: invalid configuration")

	// ErrUnsupportedFormat 表示不支持的配置格式。
	ErrUnsupportedFormat = errors.New("xquery: unsupported config format")

	// ErrLoadFailed 表示配置文件读取失败。
	ErrLoadFailed = errors.New("xquery: failed to load config")

	// ErrParseFailed 表示配置解析失败。
	ErrParseFailed = errors.New("xquery: failed to parse config")
)

// OperationError 描述注入操作的失败。
//
// Err 是操作返回的原始错误，同时记录在 Entry.Err 中（不清除上一次成功的值）。
type OperationError struct {
	// Op 为 "fetch" 或 "mutate"。
	Op string
	// Key 为操作目标；多 Key 的 mutation 为首个目标。
	Key Key
	// Err 为底层错误。
	Err error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("xquery: %s %s failed: %v", e.Op, e.Key, e.Err)
}

// Unwrap 返回底层错误。
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is 使 errors.Is(err, ErrOperationFailed) 对所有 OperationError 成立。
func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}

// IsCancelled 判断错误是否表示操作被取消。
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

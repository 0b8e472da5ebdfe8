package xquery

import (
	"context"
	"fmt"
)

// FetchAs 是 FetchOrGet 的类型化版本。
// 缓存值类型与 T 不匹配时返回错误（同一 Key 混用不同类型属于调用方错误）。
func FetchAs[T any](ctx context.Context, c *Client, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilFetcher
	}
	v, err := c.FetchOrGet(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	return assertValue[T](key, v)
}

// ReadAs 是 Read 的类型化版本。ok 为 false 表示 Entry 没有值或类型不匹配。
func ReadAs[T any](c *Client, key Key) (value T, snap Snapshot, ok bool) {
	snap = c.Read(key)
	if !snap.HasValue {
		return value, snap, false
	}
	value, ok = snap.Value.(T)
	return value, snap, ok
}

func assertValue[T any](key Key, v any) (T, error) {
	if v == nil {
		var zero T
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("xquery: value of %s has type %T, want %T", key, v, zero)
	}
	return t, nil
}

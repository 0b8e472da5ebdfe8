package xquery

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PartKind 表示 Key 组成部分的类型标记。
type PartKind uint8

const (
	// PartString 字符串。
	PartString PartKind = iota + 1
	// PartInt 有符号整数（整数值的浮点数也归一化为此类型）。
	PartInt
	// PartUint 超出 int64 范围的无符号整数。
	PartUint
	// PartFloat 非整数浮点数。
	PartFloat
	// PartBool 布尔值。
	PartBool
)

// tag 返回规范序列化中使用的类型标记。
func (k PartKind) tag() byte {
	switch k {
	case PartString:
		return 's'
	case PartInt:
		return 'i'
	case PartUint:
		return 'u'
	case PartFloat:
		return 'f'
	case PartBool:
		return 'b'
	default:
		return '?'
	}
}

// Part 是 Key 的一个组成部分。零值无效。
type Part struct {
	kind PartKind
	s    string
	i    int64
	u    uint64
	f    float64
	b    bool
}

// Str 创建字符串组成部分。
func Str(s string) Part { return Part{kind: PartString, s: s} }

// Int 创建整数组成部分。
func Int(i int64) Part { return Part{kind: PartInt, i: i} }

// Bool 创建布尔组成部分。
func Bool(b bool) Part { return Part{kind: PartBool, b: b} }

// Kind 返回组成部分的类型。
func (p Part) Kind() PartKind { return p.kind }

// Value 返回组成部分的 Go 值（string、int64、uint64、float64 或 bool）。
func (p Part) Value() any {
	switch p.kind {
	case PartString:
		return p.s
	case PartInt:
		return p.i
	case PartUint:
		return p.u
	case PartFloat:
		return p.f
	case PartBool:
		return p.b
	default:
		return nil
	}
}

// payload 返回组成部分在规范形式中的负载文本。
func (p Part) payload() string {
	switch p.kind {
	case PartString:
		return p.s
	case PartInt:
		return strconv.FormatInt(p.i, 10)
	case PartUint:
		return strconv.FormatUint(p.u, 10)
	case PartFloat:
		return strconv.FormatFloat(p.f, 'g', -1, 64)
	case PartBool:
		return strconv.FormatBool(p.b)
	default:
		return ""
	}
}

// Key 是缓存条目的标识：有序的基本类型组成部分序列。
//
// 两个 Key 相等当且仅当其规范序列化（ID）相等。规范形式为每个组成部分
// "<类型标记><长度>:<负载>" 的拼接，例如 ["user", 1] → "s4:useri1:1"。
// 类型标记避免 1 与 "1" 碰撞，长度前缀避免分隔符歧义。
//
// Key 构造后不可变，可作为值自由复制。
type Key struct {
	parts []Part
	id    string
}

// NewKey 从基本类型值构造 Key。
//
// 支持的类型：string、bool、所有整数类型、float32/float64 以及 Part。
// 整数值的浮点数归一化为整数（1.0 与 1 相等），-0 归一化为 0；NaN/Inf 被拒绝。
// 使用类型分支而非反射。
func NewKey(parts ...any) (Key, error) {
	if len(parts) == 0 {
		return Key{}, ErrEmptyKey
	}
	ps := make([]Part, 0, len(parts))
	for i, raw := range parts {
		p, err := toPart(raw)
		if err != nil {
			return Key{}, fmt.Errorf("%w: index %d: %w", ErrInvalidKeyPart, i, err)
		}
		ps = append(ps, p)
	}
	return Key{parts: ps, id: canonicalize(ps)}, nil
}

// MustKey 与 NewKey 相同，但失败时 panic。适用于字面量 Key。
func MustKey(parts ...any) Key {
	k, err := NewKey(parts...)
	if err != nil {
		panic(err)
	}
	return k
}

func toPart(v any) (Part, error) {
	switch x := v.(type) {
	case Part:
		if x.kind == 0 {
			return Part{}, fmt.Errorf("zero Part")
		}
		return x, nil
	case string:
		return Str(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint:
		return fromUint(uint64(x)), nil
	case uint8:
		return fromUint(uint64(x)), nil
	case uint16:
		return fromUint(uint64(x)), nil
	case uint32:
		return fromUint(uint64(x)), nil
	case uint64:
		return fromUint(x), nil
	case float32:
		return fromFloat(float64(x))
	case float64:
		return fromFloat(x)
	default:
		return Part{}, fmt.Errorf("unsupported type %T", v)
	}
}

func fromUint(u uint64) Part {
	if u <= math.MaxInt64 {
		return Int(int64(u))
	}
	return Part{kind: PartUint, u: u}
}

func fromFloat(f float64) (Part, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Part{}, fmt.Errorf("non-finite number %v", f)
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return Int(int64(f)), nil
	}
	return Part{kind: PartFloat, f: f}, nil
}

func canonicalize(parts []Part) string {
	var b strings.Builder
	for _, p := range parts {
		payload := p.payload()
		b.WriteByte(p.kind.tag())
		b.WriteString(strconv.Itoa(len(payload)))
		b.WriteByte(':')
		b.WriteString(payload)
	}
	return b.String()
}

// ID 返回规范标识。零值 Key 返回空字符串。
func (k Key) ID() string { return k.id }

// IsZero 判断是否为零值 Key。
func (k Key) IsZero() bool { return len(k.parts) == 0 }

// Len 返回组成部分数量。
func (k Key) Len() int { return len(k.parts) }

// Part 返回第 i 个组成部分。
func (k Key) Part(i int) Part { return k.parts[i] }

// Parts 返回组成部分的 Go 值副本。
func (k Key) Parts() []any {
	out := make([]any, len(k.parts))
	for i, p := range k.parts {
		out[i] = p.Value()
	}
	return out
}

// Equal 判断两个 Key 是否相等。
func (k Key) Equal(other Key) bool { return k.id == other.id }

// HasPrefix 判断 prefix 是否为 k 的前缀（按组成部分比较）。
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix.parts) > len(k.parts) {
		return false
	}
	return strings.HasPrefix(k.id, prefix.id)
}

// Class 返回 Key 的类别：首个组成部分为字符串时返回它，否则返回空字符串。
// 类别用于选择 Policy。
func (k Key) Class() string {
	if len(k.parts) == 0 || k.parts[0].kind != PartString {
		return ""
	}
	return k.parts[0].s
}

// String 返回可读形式，例如 ["user",1]。
func (k Key) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range k.parts {
		if i > 0 {
			b.WriteByte(',')
		}
		if p.kind == PartString {
			b.WriteString(strconv.Quote(p.s))
		} else {
			b.WriteString(p.payload())
		}
	}
	b.WriteByte(']')
	return b.String()
}

package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xerrors "FlowPilot/internal/errors"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Ref 是 {{ ... }} 中的一条引用。单段引用指向参数或上下文值，
// 多段引用形如 step.field[.sub]，指向祖先步骤的输出。
type Ref struct {
	Path []string
}

// IsStep 判断是否为步骤输出引用。
func (r Ref) IsStep() bool { return len(r.Path) > 1 }

// Name 返回单段引用的名称，或步骤引用的步骤 ID。
func (r Ref) Name() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[0]
}

// Field 返回步骤引用中步骤 ID 之后的字段路径。
func (r Ref) Field() []string {
	if len(r.Path) < 2 {
		return nil
	}
	return r.Path[1:]
}

func (r Ref) String() string { return strings.Join(r.Path, ".") }

// Segment 是解析后的片段：要么是字面文本，要么是一条引用。
type Segment struct {
	Literal string
	Ref     *Ref
}

// Expr 是解析后的参数模板。
type Expr []Segment

// Parse 解析参数模板。未闭合的 {{ 或非法标识符都会报错，绝不当作字面文本保留。
// {{"..."}} 是带引号的字面文本，用来表达 { 等记号本身。
func Parse(raw string) (Expr, error) {
	var expr Expr
	rest := raw
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				expr = append(expr, Segment{Literal: rest})
			}
			return expr, nil
		}
		if open > 0 {
			expr = append(expr, Segment{Literal: rest[:open]})
		}
		body := rest[open+2:]
		end := strings.Index(body, "}}")
		if end < 0 {
			return nil, xerrors.Newf(xerrors.CodeUnresolvedPlaceholder, "placeholder %q is not closed", truncate(rest[open:], 32))
		}
		inner := strings.TrimSpace(body[:end])
		if strings.HasPrefix(inner, `"`) {
			lit, err := strconv.Unquote(inner)
			if err != nil {
				return nil, xerrors.Newf(xerrors.CodeUnresolvedPlaceholder, "invalid quoted literal %q", truncate(rest[open:], 32))
			}
			expr = append(expr, Segment{Literal: lit})
			rest = body[end+2:]
			continue
		}
		if strings.Contains(inner, "{{") {
			return nil, xerrors.Newf(xerrors.CodeUnresolvedPlaceholder, "nested placeholder in %q", truncate(rest[open:], 32))
		}
		ref, err := parseRef(inner)
		if err != nil {
			return nil, err
		}
		expr = append(expr, Segment{Ref: &ref})
		rest = body[end+2:]
	}
}

func parseRef(inner string) (Ref, error) {
	if inner == "" {
		return Ref{}, xerrors.New(xerrors.CodeUnresolvedPlaceholder, "empty placeholder")
	}
	parts := strings.Split(inner, ".")
	for _, part := range parts {
		if !identPattern.MatchString(part) {
			return Ref{}, xerrors.Newf(xerrors.CodeUnresolvedPlaceholder, "invalid placeholder reference %q", inner)
		}
	}
	return Ref{Path: parts}, nil
}

// Refs 返回表达式中的全部引用。
func (e Expr) Refs() []Ref {
	var refs []Ref
	for _, seg := range e {
		if seg.Ref != nil {
			refs = append(refs, *seg.Ref)
		}
	}
	return refs
}

// Resolver 查询一条引用的值，ok=false 表示无法解析。
type Resolver func(ref Ref) (string, bool)

// Render 用 resolve 替换全部引用。无法解析的引用原样保留并在 unresolved 中返回。
func (e Expr) Render(resolve Resolver) (string, []Ref) {
	var (
		b          strings.Builder
		unresolved []Ref
	)
	for _, seg := range e {
		if seg.Ref == nil {
			b.WriteString(seg.Literal)
			continue
		}
		if value, ok := resolve(*seg.Ref); ok {
			b.WriteString(value)
			continue
		}
		unresolved = append(unresolved, *seg.Ref)
		b.WriteString("{{" + seg.Ref.String() + "}}")
	}
	return b.String(), unresolved
}

// Interpolate 解析并渲染一组参数模板。任何一条引用无法解析都会返回
// UNRESOLVED_PLACEHOLDER 错误，错误元数据中列出所有未解析的引用。
func Interpolate(params map[string]string, resolve Resolver) (map[string]string, error) {
	out := make(map[string]string, len(params))
	var missing []string
	for _, key := range sortedKeys(params) {
		expr, err := Parse(params[key])
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnresolvedPlaceholder, err, "parameter "+key, xerrors.WithMetadata("param", key))
		}
		value, unresolved := expr.Render(resolve)
		for _, ref := range unresolved {
			missing = append(missing, ref.String())
		}
		out[key] = value
	}
	if len(missing) > 0 {
		joined := strings.Join(missing, ", ")
		return nil, xerrors.New(xerrors.CodeUnresolvedPlaceholder, "unresolved placeholders: "+joined,
			xerrors.WithMetadata("refs", joined))
	}
	return out, nil
}

const quotedBrace = `{{"{"}}`

// Escape 把文本中的每个 { 改写为带引号的字面形式，代入模板后再次解析时
// 仍得到原文，不会被当作引用。
func Escape(s string) string {
	return strings.ReplaceAll(s, "{", quotedBrace)
}

// Literal 还原 Escape 过的文本供展示。残留的引用按 {{ref}} 保留，
// 无法解析时原样返回。
func Literal(s string) string {
	if !HasPlaceholder(s) {
		return s
	}
	expr, err := Parse(s)
	if err != nil {
		return s
	}
	out, _ := expr.Render(func(Ref) (string, bool) { return "", false })
	return out
}

// HasPlaceholder 判断字符串中是否还残留 {{ 记号。
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "{{")
}

// LookupPath 在驱动输出中按路径查找值并格式化为字符串。
func LookupPath(data map[string]any, path []string) (string, bool) {
	if len(path) == 0 {
		return "", false
	}
	var current any = data
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return "", false
		}
		current, ok = m[key]
		if !ok {
			return "", false
		}
	}
	return FormatValue(current)
}

// FormatValue 把驱动输出中的值转成参数文本。nil 视为无法解析。
func FormatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

package matcher

import (
	"regexp"
	"strings"

	"FlowPilot/internal/workflow"
)

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlPattern     = regexp.MustCompile(`https?://[^\s"'<>]+`)
	quotedPattern  = regexp.MustCompile("\"([^\"]+)\"|“([^”]+)”|`([^`]+)`")
	addressPattern = regexp.MustCompile(`\b0x[0-9a-fA-F]{40}\b`)
	numberPattern  = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	assignPattern  = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*[=:]\s*(?:"([^"]*)"|(\S+))`)
	namedPattern   = regexp.MustCompile(`(?i)\b(?:called|named|titled)\s+(.+?)\s*$`)
)

// Entities 是从自由文本中抽取的结构化实体，按出现顺序排列。
type Entities struct {
	Emails      []string
	URLs        []string
	Quoted      []string
	Addresses   []string
	Numbers     []string
	Assignments map[string]string
	Named       string
}

// ExtractEntities 抽取邮箱、URL、引号字符串、EVM 地址、数字、显式赋值。
func ExtractEntities(text string) Entities {
	var e Entities
	for _, u := range urlPattern.FindAllString(text, -1) {
		e.URLs = append(e.URLs, strings.TrimRight(u, ".,;:!?)]}"))
	}
	// URL 中的 user@host 不算邮箱
	withoutURLs := urlPattern.ReplaceAllString(text, " ")
	e.Emails = emailPattern.FindAllString(withoutURLs, -1)
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g = strings.TrimSpace(g); g != "" {
				e.Quoted = append(e.Quoted, g)
				break
			}
		}
	}
	e.Addresses = addressPattern.FindAllString(text, -1)

	plain := addressPattern.ReplaceAllString(emailPattern.ReplaceAllString(withoutURLs, " "), " ")
	plain = quotedPattern.ReplaceAllString(plain, " ")
	e.Numbers = numberPattern.FindAllString(plain, -1)

	for _, m := range assignPattern.FindAllStringSubmatch(withoutURLs, -1) {
		if e.Assignments == nil {
			e.Assignments = map[string]string{}
		}
		value := m[2]
		if value == "" {
			value = m[3]
		}
		e.Assignments[strings.ToLower(m[1])] = strings.TrimRight(value, ",;")
	}
	if m := namedPattern.FindStringSubmatch(quotedPattern.ReplaceAllString(plain, " ")); m != nil {
		e.Named = strings.Trim(strings.TrimSpace(m[1]), ".!?")
	}
	return e
}

// stripEntities 去掉实体文本，避免邮箱域名等干扰关键词匹配。
func stripEntities(text string) string {
	text = urlPattern.ReplaceAllString(text, " ")
	text = emailPattern.ReplaceAllString(text, " ")
	return addressPattern.ReplaceAllString(text, " ")
}

// Extraction 是针对某个模板的参数解析结果。
type Extraction struct {
	// Values 只包含从文本或记忆中解析到的值，不含默认值。
	Values  map[string]string
	Missing []string
}

// MapParameters 把实体映射到模板声明的参数上。优先级：显式赋值、按类型的实体、
// 会话记忆、当前值（编辑时保留未修改的字段）。pending 是上一轮追问的参数，
// 若只追问了一个文本参数且没有实体命中，整句话作为该参数的值。
func MapParameters(tpl workflow.WorkflowTemplate, text string, current, memory map[string]string, pending []string) Extraction {
	ents := ExtractEntities(text)
	values := map[string]string{}
	used := map[string]int{}

	take := func(kind string, pool []string) (string, bool) {
		i := used[kind]
		if i >= len(pool) {
			return "", false
		}
		used[kind] = i + 1
		return pool[i], true
	}

	for _, p := range tpl.Parameters {
		if v, ok := ents.Assignments[strings.ToLower(p.Name)]; ok && strings.TrimSpace(v) != "" {
			values[p.Name] = v
		}
	}

	namedUsed := false
	for _, p := range tpl.Parameters {
		if _, done := values[p.Name]; done {
			continue
		}
		var (
			v  string
			ok bool
		)
		switch p.Type {
		case workflow.ParamEmail:
			v, ok = take("email", ents.Emails)
		case workflow.ParamURL:
			v, ok = take("url", ents.URLs)
		case workflow.ParamAddress:
			v, ok = take("address", ents.Addresses)
		case workflow.ParamNumber:
			if len(ents.Numbers) == 1 {
				v, ok = take("number", ents.Numbers)
			}
		default:
			v, ok = take("quoted", ents.Quoted)
			if !ok && !namedUsed && ents.Named != "" && p.Required {
				v, ok, namedUsed = ents.Named, true, true
			}
		}
		if ok {
			values[p.Name] = v
		}
	}

	if len(pending) == 1 {
		name := pending[0]
		if _, done := values[name]; !done {
			if p, ok := tpl.Param(name); ok && (p.Type == workflow.ParamString || p.Type == workflow.ParamText || p.Type == "") {
				if whole := strings.TrimSpace(text); whole != "" {
					values[name] = whole
				}
			}
		}
	}

	for _, p := range tpl.Parameters {
		if _, done := values[p.Name]; done {
			continue
		}
		if v := strings.TrimSpace(current[p.Name]); v != "" {
			values[p.Name] = v
			continue
		}
		if v := strings.TrimSpace(memory[p.Name]); v != "" {
			values[p.Name] = v
		}
	}

	missing := []string{}
	for _, p := range tpl.Parameters {
		if p.Required && values[p.Name] == "" && p.Default == "" {
			missing = append(missing, p.Name)
		}
	}
	return Extraction{Values: values, Missing: missing}
}

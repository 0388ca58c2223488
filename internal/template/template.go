// Package template 提供只读的模板来源：由 YAML 或内置库构建的不可变快照。
package template

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"FlowPilot/internal/driver"
	xerrors "FlowPilot/internal/errors"
	"FlowPilot/internal/workflow"
)

//go:embed builtin.yaml
var builtinYAML []byte

// ErrTemplateNotFound 表示模板不存在。
var ErrTemplateNotFound = xerrors.New(xerrors.CodeTemplateNotFound, "template not found")

// Filter 用于按分类或关键词筛选模板，空字段表示不过滤。
type Filter struct {
	Category string
	Keyword  string
}

// Source 是匹配器消费的只读模板来源。
type Source interface {
	Templates(ctx context.Context, filter Filter) ([]workflow.WorkflowTemplate, error)
	Template(ctx context.Context, id string) (workflow.WorkflowTemplate, error)
}

// Library 是校验过的不可变模板快照，按 ID 排序。
type Library struct {
	ordered []workflow.WorkflowTemplate
	byID    map[string]int
}

type document struct {
	Templates []workflow.WorkflowTemplate `yaml:"templates"`
}

// NewLibrary 校验模板并构建快照。ID 重复视为错误。
func NewLibrary(templates []workflow.WorkflowTemplate) (*Library, error) {
	ordered := make([]workflow.WorkflowTemplate, 0, len(templates))
	seen := make(map[string]struct{}, len(templates))
	for _, tpl := range templates {
		if err := tpl.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[tpl.ID]; dup {
			return nil, xerrors.Newf(xerrors.CodeConflict, "模板 %s 重复定义", tpl.ID)
		}
		if tpl.SuccessRate < 0 || tpl.SuccessRate > 1 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "模板 %s 的 success_rate 必须位于 [0,1]", tpl.ID)
		}
		if tpl.UsageCount < 0 {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "模板 %s 的 usage_count 不能为负", tpl.ID)
		}
		seen[tpl.ID] = struct{}{}
		ordered = append(ordered, tpl.Clone())
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	byID := make(map[string]int, len(ordered))
	for i, tpl := range ordered {
		byID[tpl.ID] = i
	}
	return &Library{ordered: ordered, byID: byID}, nil
}

// Parse 从 YAML 文档构建模板库。
func Parse(data []byte) (*Library, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析模板 YAML 失败")
	}
	return NewLibrary(doc.Templates)
}

// LoadFile 从文件加载模板库。
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取模板文件失败: "+path)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lib, nil
}

// Builtin 返回内置模板库。
func Builtin() (*Library, error) {
	return Parse(builtinYAML)
}

// Merge 合并多个模板库，后者中同 ID 的模板覆盖前者。
func Merge(libs ...*Library) (*Library, error) {
	index := map[string]workflow.WorkflowTemplate{}
	for _, lib := range libs {
		if lib == nil {
			continue
		}
		for _, tpl := range lib.ordered {
			index[tpl.ID] = tpl
		}
	}
	all := make([]workflow.WorkflowTemplate, 0, len(index))
	for _, tpl := range index {
		all = append(all, tpl)
	}
	return NewLibrary(all)
}

// Templates 实现 Source。
func (l *Library) Templates(_ context.Context, filter Filter) ([]workflow.WorkflowTemplate, error) {
	category := strings.ToLower(strings.TrimSpace(filter.Category))
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	out := make([]workflow.WorkflowTemplate, 0, len(l.ordered))
	for _, tpl := range l.ordered {
		if category != "" && strings.ToLower(tpl.Category) != category {
			continue
		}
		if keyword != "" && !hasKeyword(tpl, keyword) {
			continue
		}
		out = append(out, tpl.Clone())
	}
	return out, nil
}

// Template 实现 Source。
func (l *Library) Template(_ context.Context, id string) (workflow.WorkflowTemplate, error) {
	i, ok := l.byID[id]
	if !ok {
		return workflow.WorkflowTemplate{}, xerrors.Wrap(xerrors.CodeTemplateNotFound, ErrTemplateNotFound, "template "+id)
	}
	return l.ordered[i].Clone(), nil
}

// Len 返回模板数量。
func (l *Library) Len() int { return len(l.ordered) }

// CheckCapabilities 确认每个模板步骤引用的能力都已注册。
func (l *Library) CheckCapabilities(reg *driver.Registry) map[string][]string {
	missing := map[string][]string{}
	for _, tpl := range l.ordered {
		for _, step := range tpl.Steps {
			if _, ok := reg.Lookup(step.Capability); !ok {
				missing[tpl.ID] = append(missing[tpl.ID], step.Capability)
			}
		}
	}
	return missing
}

func hasKeyword(tpl workflow.WorkflowTemplate, keyword string) bool {
	for _, k := range tpl.Keywords {
		if strings.Contains(strings.ToLower(k), keyword) {
			return true
		}
	}
	return false
}

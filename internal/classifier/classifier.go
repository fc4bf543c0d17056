package classifier

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dushixiang/sentinel/internal/event"
	"github.com/valyala/fasttemplate"
)

// Result 分类结果
type Result struct {
	// 命中的规则名，兜底时为空
	Rule     string
	Level    event.Level
	Category string
	Message  string
}

type compiledRule struct {
	Rule
	re  *regexp.Regexp
	tpl *fasttemplate.Template
}

// Table 单个模式的有序规则表
type Table struct {
	mode     Mode
	rules    []compiledRule
	fallback Fallback
}

// NewTable 编译规则表
func NewTable(mode Mode, rules []Rule, fallback Fallback) (*Table, error) {
	t := &Table{mode: mode, fallback: fallback}
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%s): empty pattern", i, r.Name)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		cr := compiledRule{Rule: r, re: re}
		if !r.Drop {
			if !r.Level.Valid() {
				return nil, fmt.Errorf("rule %d (%s): unknown level %q", i, r.Name, r.Level)
			}
			msg := r.Message
			if msg == "" {
				msg = "{{line}}"
			}
			tpl, err := fasttemplate.NewTemplate(msg, "{{", "}}")
			if err != nil {
				return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
			}
			cr.tpl = tpl
		}
		t.rules = append(t.rules, cr)
	}
	switch fallback {
	case FallbackDrop, FallbackInfo, FallbackKeyword:
	default:
		return nil, fmt.Errorf("unknown fallback %q", fallback)
	}
	return t, nil
}

// Classify 对单行文本分类，返回 false 表示丢弃
func (t *Table) Classify(line string) (Result, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Result{}, false
	}
	for _, r := range t.rules {
		if !r.re.MatchString(line) {
			continue
		}
		if r.Drop {
			return Result{}, false
		}
		return Result{
			Rule:     r.Name,
			Level:    r.Level,
			Category: r.Category,
			Message: r.tpl.ExecuteString(map[string]any{
				"line": line,
				"name": r.Name,
				"NAME": strings.ToUpper(r.Name),
			}),
		}, true
	}
	return t.fallbackResult(line)
}

func (t *Table) fallbackResult(line string) (Result, bool) {
	switch t.fallback {
	case FallbackInfo:
		return Result{Level: event.LevelInfo, Category: event.CategorySystem, Message: line}, true
	case FallbackKeyword:
		lower := strings.ToLower(line)
		if !containsAny(lower, keywordTriggers) {
			return Result{}, false
		}
		level := event.LevelMedium
		for _, kl := range keywordLevels {
			if containsAny(lower, kl.keywords) {
				level = kl.level
				break
			}
		}
		return Result{Level: level, Category: event.CategorySystem, Message: "Suricata: " + line}, true
	default:
		return Result{}, false
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Classifier 按模式分派的分类器，构造后只读，可并发使用
type Classifier struct {
	tables map[Mode]*Table
}

// New 创建分类器，overrides 中的模式使用自定义规则替换默认规则
func New(overrides map[Mode][]Rule) (*Classifier, error) {
	c := &Classifier{tables: make(map[Mode]*Table)}
	for _, mode := range Modes() {
		rules := DefaultRules(mode)
		if custom, ok := overrides[mode]; ok && len(custom) > 0 {
			rules = custom
		}
		table, err := NewTable(mode, rules, DefaultFallback(mode))
		if err != nil {
			return nil, fmt.Errorf("classifier %s: %w", mode, err)
		}
		c.tables[mode] = table
	}
	for mode := range overrides {
		if _, ok := c.tables[mode]; !ok {
			return nil, fmt.Errorf("classifier: unknown mode %q", mode)
		}
	}
	return c, nil
}

// MustDefault 使用默认规则创建分类器
func MustDefault() *Classifier {
	c, err := New(nil)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify 按模式分类一行文本
func (c *Classifier) Classify(line string, mode Mode) (Result, bool) {
	t, ok := c.tables[mode]
	if !ok {
		return Result{}, false
	}
	return t.Classify(line)
}

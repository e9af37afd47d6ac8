package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Fact 描述知识库中的一条可校验事实。Keywords 全部命中输入时该条
// 事实才适用；Accepted 是公认答案列表，Conflicting 是已知的错误说法。
type Fact struct {
	Topic       string   `json:"topic"`
	Keywords    []string `json:"keywords"`
	Accepted    []string `json:"accepted"`
	Conflicting []string `json:"conflicting"`
}

// KnowledgeDetector 用静态知识库对输出做事实性校验。
type KnowledgeDetector struct {
	facts       []Fact
	maxFindings int
}

// NewKnowledgeDetector 创建知识库检测器。
func NewKnowledgeDetector(facts []Fact, maxFindings int) *KnowledgeDetector {
	if maxFindings <= 0 {
		maxFindings = 3
	}
	return &KnowledgeDetector{
		facts:       facts,
		maxFindings: maxFindings,
	}
}

// LoadKnowledgeDetector 从 JSON 文件加载事实条目。
func LoadKnowledgeDetector(path string, maxFindings int) (*KnowledgeDetector, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}
	defer file.Close()

	var facts []Fact
	if err := json.NewDecoder(file).Decode(&facts); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewKnowledgeDetector(facts, maxFindings), nil
}

// Method 实现 Detector。
func (d *KnowledgeDetector) Method() DetectionMethod { return MethodKnowledgeBase }

// Detect 对每条适用的事实做两级判断：输出命中已知错误说法记为
// 高置信度冲突；输出完全不含任何公认答案记为中置信度偏离。
func (d *KnowledgeDetector) Detect(_ context.Context, input, output []byte) ([]Record, error) {
	if d == nil || len(d.facts) == 0 {
		return nil, nil
	}
	in := strings.ToLower(string(input))
	out := strings.ToLower(string(output))

	var records []Record
	for _, fact := range d.facts {
		if !applies(fact, in) {
			continue
		}
		if wrong := containsAny(out, fact.Conflicting); wrong != "" {
			records = append(records, Record{
				Type:       TypeFactual,
				Confidence: 90,
				Method:     MethodKnowledgeBase,
				Detail:     fmt.Sprintf("输出与知识库条目 %q 冲突（命中错误说法 %q）", fact.Topic, wrong),
			})
		} else if len(fact.Accepted) > 0 && containsAny(out, fact.Accepted) == "" {
			records = append(records, Record{
				Type:       TypeFactual,
				Confidence: 75,
				Method:     MethodKnowledgeBase,
				Detail:     fmt.Sprintf("输出未包含知识库条目 %q 的任何公认答案", fact.Topic),
			})
		}
		if len(records) >= d.maxFindings {
			break
		}
	}
	return records, nil
}

// applies 要求事实的每个关键字都出现在输入中，避免宽泛条目误伤
// 无关问题。没有关键字的条目视为不适用。
func applies(fact Fact, input string) bool {
	if len(fact.Keywords) == 0 {
		return false
	}
	for _, keyword := range fact.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if !strings.Contains(input, normalized) {
			return false
		}
	}
	return true
}

func containsAny(text string, candidates []string) string {
	for _, candidate := range candidates {
		normalized := strings.ToLower(strings.TrimSpace(candidate))
		if normalized == "" {
			continue
		}
		if strings.Contains(text, normalized) {
			return normalized
		}
	}
	return ""
}

var _ Detector = (*KnowledgeDetector)(nil)

package evidence

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PatternDetector 基于启发式文本模式识别常见幻觉信号。
// 它只做廉价的本地匹配，置信度刻意保守，强信号交给知识库
// 与对照模型通道。
type PatternDetector struct {
	now func() time.Time
}

// NewPatternDetector 创建模式检测器。
func NewPatternDetector() *PatternDetector {
	return &PatternDetector{now: time.Now}
}

// Method 实现 Detector。
func (d *PatternDetector) Method() DetectionMethod { return MethodPattern }

var overconfidentMarkers = []string{
	"definitely",
	"absolutely",
	"guaranteed",
	"without a doubt",
	"100% certain",
	"i am certain",
	"undeniably",
}

var fabricationMarkers = []string{
	"as everyone knows",
	"it is well documented that",
	"sources confirm",
	"studies have conclusively shown",
}

var (
	statisticalPattern = regexp.MustCompile(`(?i)\b(?:exactly|precisely)\s+\d+(?:\.\d+)?\s*(?:%|percent)`)
	yearPattern        = regexp.MustCompile(`\b(2[0-9]{3})\b`)
)

// Detect 扫描输出文本。每个类别最多产生一条证据。
func (d *PatternDetector) Detect(_ context.Context, _, output []byte) ([]Record, error) {
	text := strings.ToLower(string(output))
	var records []Record

	if marker := firstMarker(text, overconfidentMarkers); marker != "" {
		records = append(records, Record{
			Type:       TypeOverconfident,
			Confidence: 60,
			Method:     MethodPattern,
			Detail:     fmt.Sprintf("输出包含绝对化措辞 %q", marker),
		})
	}
	if marker := firstMarker(text, fabricationMarkers); marker != "" {
		records = append(records, Record{
			Type:       TypeFabrication,
			Confidence: 70,
			Method:     MethodPattern,
			Detail:     fmt.Sprintf("输出使用无出处的引证措辞 %q", marker),
		})
	}
	if m := statisticalPattern.FindString(text); m != "" {
		records = append(records, Record{
			Type:       TypeStatistical,
			Confidence: 55,
			Method:     MethodPattern,
			Detail:     fmt.Sprintf("输出宣称无来源的精确统计 %q", m),
		})
	}
	if year := d.futureYear(text); year > 0 {
		records = append(records, Record{
			Type:       TypeTemporal,
			Confidence: 60,
			Method:     MethodPattern,
			Detail:     fmt.Sprintf("输出以既成事实口吻提到未来年份 %d", year),
		})
	}
	return records, nil
}

func firstMarker(text string, markers []string) string {
	for _, marker := range markers {
		if strings.Contains(text, marker) {
			return marker
		}
	}
	return ""
}

// futureYear 返回文本中超出当前年份的最小年份，未发现返回 0。
func (d *PatternDetector) futureYear(text string) int {
	current := d.now().Year()
	found := 0
	for _, match := range yearPattern.FindAllString(text, -1) {
		year, err := strconv.Atoi(match)
		if err != nil {
			continue
		}
		if year > current && (found == 0 || year < found) {
			found = year
		}
	}
	return found
}

var _ Detector = (*PatternDetector)(nil)

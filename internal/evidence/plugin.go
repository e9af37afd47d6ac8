package evidence

import (
	"context"
	"fmt"

	"AgentProof-Chain/pkg/plugin"
)

// PluginDetector 把外部检测器插件接入证据流水线。插件产出的类别与
// 置信度沿用引擎的校验规则，非法记录由聚合器统一丢弃。
type PluginDetector struct {
	inner plugin.EvidenceDetector
}

// NewPluginDetector 包装一个插件检测通道。
func NewPluginDetector(inner plugin.EvidenceDetector) (*PluginDetector, error) {
	if inner == nil {
		return nil, fmt.Errorf("检测器插件不能为空")
	}
	if inner.DetectionMethod() == "" {
		return nil, fmt.Errorf("检测器插件必须声明通道名称")
	}
	return &PluginDetector{inner: inner}, nil
}

// Method 实现 Detector。插件通道带 plugin: 前缀，与内建通道区分。
func (d *PluginDetector) Method() DetectionMethod {
	return DetectionMethod("plugin:" + d.inner.DetectionMethod())
}

// Detect 实现 Detector。
func (d *PluginDetector) Detect(ctx context.Context, input, output []byte) ([]Record, error) {
	findings, err := d.inner.DetectEvidence(ctx, input, output)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(findings))
	for _, finding := range findings {
		records = append(records, Record{
			Type:       Type(finding.Type),
			Confidence: finding.Confidence,
			Method:     d.Method(),
			Detail:     finding.Detail,
		})
	}
	return records, nil
}

var _ Detector = (*PluginDetector)(nil)

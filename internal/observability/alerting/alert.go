package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/pkg/logger"
)

// Channel 标识一种告警投递渠道。
type Channel string

// 内置渠道。
const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
	ChannelWebhook  Channel = "webhook"
)

// Event 携带一次告警的完整上下文：错误码、严重程度、
// 关联的验证任务与智能体，以及重试进度。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	AgentID    string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 把事件投递到某个具体渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是告警的统一入口，调用方不关心背后有几个渠道。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把同一事件抄送给全部已注册的通知器，
// 单个渠道失败不影响其余渠道。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 注册一组通知器；同渠道重复注册时后者覆盖前者。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set[n.Channel()] = n
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 依次投递到每个渠道，汇总所有失败后一并返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var failed error
	for channel, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			failed = errors.Join(failed, fmt.Errorf("channel %s: %w", channel, err))
		}
	}
	return failed
}

// severityOrder 定义严重程度的比较权重，未收录的取零值即最低。
var severityOrder = map[xerrors.Severity]int{
	xerrors.SeverityWarning:  1,
	xerrors.SeverityCritical: 2,
}

// SeverityFilter 在派发前按严重程度做门槛过滤。
type SeverityFilter struct {
	next Dispatcher
	min  xerrors.Severity
}

// WithMinSeverity 包一层过滤器，低于 min 的事件直接吞掉不派发。
func WithMinSeverity(next Dispatcher, min xerrors.Severity) *SeverityFilter {
	return &SeverityFilter{next: next, min: min}
}

// Notify 实现 Dispatcher。
func (f *SeverityFilter) Notify(ctx context.Context, event Event) error {
	if f == nil || f.next == nil {
		return nil
	}
	if severityOrder[event.Severity] < severityOrder[f.min] {
		return nil
	}
	return f.next.Notify(ctx, event)
}

// warnSkipped 在通知器缺少必要配置时记录一条告警并放弃本次投递。
// 告警链路上的配置缺口不应该反过来把任务标记为失败。
func warnSkipped(channel Channel, event Event) {
	logger.L().Warn("告警通知器缺少配置，放弃投递",
		slog.String("channel", string(channel)),
		slog.String("task_id", event.TaskID),
	)
}

// detailBody 渲染多行事件正文，邮件与钉钉共用。
func detailBody(event Event) string {
	lines := []string{
		"时间: " + event.OccurredAt.Format(time.RFC3339),
		"任务: " + event.TaskID,
		"智能体: " + event.AgentID,
		fmt.Sprintf("重试: %d/%d", event.Attempts, event.MaxRetries),
		"错误码: " + string(event.Code),
		"描述: " + event.Message,
	}
	return strings.Join(lines, "\n")
}

// metadataBody 把附加字段按键名排序渲染成列表，空集合返回空串。
func metadataBody(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	var b strings.Builder
	keys := make([]string, 0, len(meta))
	for key := range meta {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", key, meta[key])
	}
	return b.String()
}

// EmailSender 抽象实际的邮件发送实现。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 走邮件渠道。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 拼装主题与正文后交给 Sender。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		warnSkipped(ChannelEmail, event)
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)
	content := detailBody(event)
	if meta := metadataBody(event.Metadata); meta != "" {
		content += "\n详情:\n" + meta
	}
	return n.Sender.Send(ctx, subject, content, n.To)
}

// DingTalkSender 抽象钉钉机器人消息推送。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 走钉钉机器人渠道。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 推送一条文本消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		warnSkipped(ChannelDingTalk, event)
		return nil
	}
	text := fmt.Sprintf("[%s] %s\n%s", event.Severity, event.Code, detailBody(event))
	return n.Sender.Send(ctx, text)
}

// SlackSender 抽象 Slack 消息推送。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 走 Slack 渠道，消息保持单行紧凑格式。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 推送一条紧凑摘要。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		warnSkipped(ChannelSlack, event)
		return nil
	}
	summary := fmt.Sprintf("*[%s]* %s - %s (重试 %d/%d)",
		event.Severity, event.Code, event.Message, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, summary)
}

// webhookTimeout 是未显式注入 Client 时的默认请求超时。
const webhookTimeout = 10 * time.Second

// webhookPayload 是回调推送的 JSON 结构，字段名是对外契约。
type webhookPayload struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	TaskID     string            `json:"task_id,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt string            `json:"occurred_at"`
}

func payloadFor(event Event) webhookPayload {
	return webhookPayload{
		Code:       string(event.Code),
		Message:    event.Message,
		Severity:   string(event.Severity),
		TaskID:     event.TaskID,
		AgentID:    event.AgentID,
		Attempts:   event.Attempts,
		MaxRetries: event.MaxRetries,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt.Format(time.RFC3339),
	}
}

// WebhookNotifier 把事件序列化成 JSON 后 POST 到配置的回调地址。
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送 JSON 事件，非 2xx 状态视为投递失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Endpoint == "" {
		warnSkipped(ChannelWebhook, event)
		return nil
	}
	body, err := json.Marshal(payloadFor(event))
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: webhookTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警回调返回状态 %d", resp.StatusCode)
	}
	return nil
}

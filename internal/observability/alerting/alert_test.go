package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "AgentProof-Chain/internal/errors"
)

type recordingNotifier struct {
	mu      sync.Mutex
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func sampleEvent() Event {
	return Event{
		Code:       xerrors.CodeExecutionFailure,
		Message:    "验证执行失败",
		Severity:   xerrors.SeverityCritical,
		TaskID:     "vt-42",
		AgentID:    "agent-7",
		Attempts:   2,
		MaxRetries: 3,
		Metadata:   map[string]string{"stage": "terminal", "chain": "sepolia"},
		OccurredAt: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestFanoutDeliversToAllChannels(t *testing.T) {
	email := &recordingNotifier{channel: ChannelEmail}
	slack := &recordingNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(email, slack, nil)

	if err := dispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if email.count() != 1 || slack.count() != 1 {
		t.Fatalf("expected one event per channel, got email=%d slack=%d", email.count(), slack.count())
	}
}

func TestFanoutCollectsFailuresWithoutStopping(t *testing.T) {
	boom := errors.New("连接被拒绝")
	broken := &recordingNotifier{channel: ChannelDingTalk, err: boom}
	healthy := &recordingNotifier{channel: ChannelSlack}
	dispatcher := NewFanout(broken, healthy)

	err := dispatcher.Notify(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected the failing channel to surface an error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("joined error must wrap the channel failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "channel dingtalk") {
		t.Fatalf("error must name the failing channel, got %v", err)
	}
	if healthy.count() != 1 {
		t.Fatalf("healthy channel must still receive the event, got %d deliveries", healthy.count())
	}
}

func TestFanoutLaterNotifierReplacesSameChannel(t *testing.T) {
	first := &recordingNotifier{channel: ChannelEmail}
	second := &recordingNotifier{channel: ChannelEmail}
	dispatcher := NewFanout(first, second)

	if err := dispatcher.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if first.count() != 0 {
		t.Fatalf("replaced notifier must not receive events, got %d", first.count())
	}
	if second.count() != 1 {
		t.Fatalf("expected 1 delivery on the surviving notifier, got %d", second.count())
	}
}

func TestSeverityFilter(t *testing.T) {
	sink := &recordingNotifier{channel: ChannelSlack}
	filtered := WithMinSeverity(NewFanout(sink), xerrors.SeverityWarning)

	info := sampleEvent()
	info.Severity = xerrors.SeverityInfo
	if err := filtered.Notify(context.Background(), info); err != nil {
		t.Fatalf("notify info: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("info event must be swallowed, got %d deliveries", sink.count())
	}

	warning := sampleEvent()
	warning.Severity = xerrors.SeverityWarning
	if err := filtered.Notify(context.Background(), warning); err != nil {
		t.Fatalf("notify warning: %v", err)
	}
	critical := sampleEvent()
	if err := filtered.Notify(context.Background(), critical); err != nil {
		t.Fatalf("notify critical: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("warning and critical must pass the filter, got %d deliveries", sink.count())
	}
}

type fakeEmailSender struct {
	subject string
	content string
	to      []string
}

func (f *fakeEmailSender) Send(_ context.Context, subject, content string, to []string) error {
	f.subject = subject
	f.content = content
	f.to = to
	return nil
}

func TestEmailNotifierRendersSubjectAndBody(t *testing.T) {
	sender := &fakeEmailSender{}
	notifier := &EmailNotifier{Sender: sender, To: []string{"ops@example.com"}, SubjectPrefix: "[链上验证] "}

	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if want := "[链上验证] [critical] EXECUTION_FAILURE"; sender.subject != want {
		t.Fatalf("subject mismatch: want %q, got %q", want, sender.subject)
	}
	for _, fragment := range []string{"任务: vt-42", "智能体: agent-7", "重试: 2/3", "- chain: sepolia", "- stage: terminal"} {
		if !strings.Contains(sender.content, fragment) {
			t.Fatalf("body missing %q:\n%s", fragment, sender.content)
		}
	}
	// 元数据按键名排序，chain 在 stage 之前。
	if strings.Index(sender.content, "- chain:") > strings.Index(sender.content, "- stage:") {
		t.Fatalf("metadata must be sorted by key:\n%s", sender.content)
	}
}

func TestEmailNotifierWithoutSenderSkips(t *testing.T) {
	notifier := &EmailNotifier{To: []string{"ops@example.com"}}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("misconfigured notifier must swallow the event, got %v", err)
	}
}

func TestSlackNotifierSummaryLine(t *testing.T) {
	var gotChannel, gotContent string
	notifier := &SlackNotifier{
		ChannelID: "#alerts",
		Sender: slackSenderFunc(func(_ context.Context, channel, content string) error {
			gotChannel, gotContent = channel, content
			return nil
		}),
	}

	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotChannel != "#alerts" {
		t.Fatalf("expected channel #alerts, got %q", gotChannel)
	}
	if want := "*[critical]* EXECUTION_FAILURE - 验证执行失败 (重试 2/3)"; gotContent != want {
		t.Fatalf("summary mismatch: want %q, got %q", want, gotContent)
	}
}

type slackSenderFunc func(ctx context.Context, channel, content string) error

func (f slackSenderFunc) Send(ctx context.Context, channel, content string) error {
	return f(ctx, channel, content)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got webhookPayload
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{Endpoint: srv.URL, Client: srv.Client()}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("expected application/json, got %q", contentType)
	}
	if got.Code != "EXECUTION_FAILURE" || got.Severity != "critical" {
		t.Fatalf("unexpected payload identity: %+v", got)
	}
	if got.TaskID != "vt-42" || got.AgentID != "agent-7" {
		t.Fatalf("payload must carry task and agent ids: %+v", got)
	}
	if got.Attempts != 2 || got.MaxRetries != 3 {
		t.Fatalf("payload retry counters mismatch: %+v", got)
	}
	if got.OccurredAt != "2025-06-01T10:30:00Z" {
		t.Fatalf("occurred_at must be RFC3339, got %q", got.OccurredAt)
	}
	if got.Metadata["stage"] != "terminal" {
		t.Fatalf("metadata lost in transit: %+v", got.Metadata)
	}
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := &WebhookNotifier{Endpoint: srv.URL, Client: srv.Client()}
	err := notifier.Notify(context.Background(), sampleEvent())
	if err == nil {
		t.Fatal("expected an error for a 502 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("error must carry the status code, got %v", err)
	}
}

func TestWebhookNotifierWithoutEndpointSkips(t *testing.T) {
	notifier := &WebhookNotifier{}
	if err := notifier.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("misconfigured notifier must swallow the event, got %v", err)
	}
}

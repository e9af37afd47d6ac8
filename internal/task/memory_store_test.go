package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "vt-1", AgentID: "agent-a", Input: "q1", Status: StatusPending, MaxRetries: 3},
		{ID: "vt-2", AgentID: "agent-b", Input: "q2", Status: StatusFailed, MaxRetries: 3},
		{ID: "vt-3", AgentID: "agent-a", Input: "q3", Status: StatusSucceeded, MaxRetries: 3},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "vt-2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "vt-3", VerificationOutcome{Fingerprint: "0xf3", Success: true, TrustScore: 88}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["vt-1"].UpdatedAt = base.Unix()
	store.tasks["vt-2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["vt-3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d tasks, want 3", len(all))
	}
	if all[0].ID != "vt-3" {
		t.Fatalf("first task = %s, want the most recently updated", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "vt-2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	verified, err := store.List(ctx, buildListOptions([]ListOption{WithOutcomePresence(true)}))
	if err != nil {
		t.Fatalf("list with outcome: %v", err)
	}
	if len(verified) != 1 || verified[0].ID != "vt-3" {
		t.Fatalf("unexpected outcome list: %+v", verified)
	}

	byAgent, err := store.List(ctx, buildListOptions([]ListOption{WithAgent("agent-a")}))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected 2 tasks for agent-a, got %d", len(byAgent))
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("since filter matched %d tasks, want 2", len(recent))
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	tasks := []*Task{
		{ID: "s1", AgentID: "agent-a", Input: "q1", Status: StatusPending, MaxRetries: 3},
		{ID: "s2", AgentID: "agent-a", Input: "q2", Status: StatusPending, MaxRetries: 3},
		{ID: "s3", AgentID: "agent-b", Input: "q3", Status: StatusPending, MaxRetries: 3},
	}

	for _, task := range tasks {
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create task %s: %v", task.ID, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "s2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "s3", VerificationOutcome{Fingerprint: "0xfc", Success: false, TrustScore: 0}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["s1"].UpdatedAt = base.Unix()
	store.tasks["s2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["s3"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withOutcome, err := store.Stats(ctx, buildListOptions([]ListOption{WithOutcomePresence(true)}))
	if err != nil {
		t.Fatalf("stats with outcome: %v", err)
	}
	if withOutcome.Total != 1 || withOutcome.Succeeded != 1 {
		t.Fatalf("unexpected stats with outcome: %+v", withOutcome)
	}

	withoutOutcome, err := store.Stats(ctx, buildListOptions([]ListOption{WithOutcomePresence(false)}))
	if err != nil {
		t.Fatalf("stats without outcome: %v", err)
	}
	if withoutOutcome.Total != 2 || withoutOutcome.Pending != 1 || withoutOutcome.Failed != 1 {
		t.Fatalf("unexpected stats without outcome: %+v", withoutOutcome)
	}

	failedOnly, err := store.Stats(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("stats failed only: %v", err)
	}
	if failedOnly.Total != 1 || failedOnly.Failed != 1 {
		t.Fatalf("unexpected failed stats: %+v", failedOnly)
	}
}

func TestMemoryStoreClaimLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "vt-1", AgentID: "agent-a", Input: "q", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "vt-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	// 运行中的任务不允许重复领取。
	if _, err := store.Claim(ctx, "vt-1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "vt-1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "vt-1"); err != nil {
		t.Fatalf("reclaim after failure: %v", err)
	}

	// 重试次数耗尽后不再发放。
	if err := store.MarkFailed(ctx, "vt-1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "vt-1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}

	if err := store.MarkSucceeded(ctx, "vt-1", VerificationOutcome{Fingerprint: "0xf1", Success: true, TrustScore: 90}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "vt-1"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

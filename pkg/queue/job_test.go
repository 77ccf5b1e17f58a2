package queue

import (
	"errors"
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusDeadLetter, true},
		{Status("BOGUS"), false},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Fatalf("%s: expected terminal=%v, got %v", tc.status, tc.terminal, got)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, status := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeadLetter} {
		if !status.Valid() {
			t.Fatalf("%s must be valid", status)
		}
	}
	if Status("").Valid() || Status("bogus").Valid() {
		t.Fatal("unexpected valid status")
	}
}

func TestJobValidate(t *testing.T) {
	base := func() *Job {
		return &Job{ID: "job-1", Namespace: "emails", Status: StatusPending}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	var nilJob *Job
	if err := nilJob.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nil job, got %v", err)
	}

	job := base()
	job.ID = " "
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank id, got %v", err)
	}

	job = base()
	job.Namespace = ""
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty namespace, got %v", err)
	}

	job = base()
	job.Status = "bogus"
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for bogus status, got %v", err)
	}

	job = base()
	job.RetryCount = -1
	if err := job.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for negative retry count, got %v", err)
	}
}

func TestJobExpiredAndEligible(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	job := &Job{ID: "job-1", Namespace: "emails", Status: StatusPending}
	if job.Expired(now) {
		t.Fatal("job without ttl cannot expire")
	}
	if !job.Eligible(now) {
		t.Fatal("pending job without gates must be eligible")
	}

	job.ExpiresAt = now
	if !job.Expired(now) {
		t.Fatal("expiry boundary is inclusive")
	}
	if job.Eligible(now) {
		t.Fatal("expired job must not be eligible")
	}

	job.ExpiresAt = now.Add(time.Minute)
	job.NotBefore = now.Add(time.Second)
	if job.Eligible(now) {
		t.Fatal("backoff gate must block eligibility")
	}
	if !job.Eligible(now.Add(time.Second)) {
		t.Fatal("gate boundary is inclusive")
	}

	job.Status = StatusProcessing
	if job.Eligible(now.Add(time.Second)) {
		t.Fatal("only pending jobs are eligible")
	}
}

func TestCloneJobIsolation(t *testing.T) {
	original := &Job{
		ID:           "job-1",
		Namespace:    "emails",
		Status:       StatusPending,
		Payload:      map[string]any{"to": "a@example.com"},
		ErrorHistory: []ErrorEntry{{Message: "boom"}},
	}
	clone := cloneJob(original)

	clone.Payload["to"] = "b@example.com"
	clone.ErrorHistory[0].Message = "changed"
	clone.Status = StatusFailed

	if original.Payload["to"] != "a@example.com" {
		t.Fatal("payload mutation leaked into original")
	}
	if original.ErrorHistory[0].Message != "boom" {
		t.Fatal("history mutation leaked into original")
	}
	if original.Status != StatusPending {
		t.Fatal("status mutation leaked into original")
	}
}

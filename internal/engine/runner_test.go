package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketlens/internal/model"
)

type pagedKeywords struct {
	keywords []model.Keyword
}

func (s pagedKeywords) ActiveKeywords(ctx context.Context, afterID uint, limit int) ([]model.Keyword, error) {
	var page []model.Keyword
	for _, kw := range s.keywords {
		if kw.ID > afterID {
			page = append(page, kw)
		}
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func TestRunner_ProcessesAllKeywords(t *testing.T) {
	keywords := make([]model.Keyword, 0, 25)
	for idx := 1; idx <= 25; idx++ {
		keywords = append(keywords, model.Keyword{ID: uint(idx), Text: "kw", Active: true})
	}

	sink := &recordingSink{}
	p := newTestPipeline(stubSnapshots{entries: testEntries()}, stubHistory{}, sink, &stubLock{acquired: true})
	runner := NewRunner(testLogger(), pagedKeywords{keywords: keywords}, p, 4, 8)

	report, err := runner.Run(context.Background(), day(0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Outcomes) != 25 {
		t.Fatalf("expected 25 outcomes, got %d", len(report.Outcomes))
	}
	if report.Succeeded != 25 {
		t.Fatalf("expected 25 succeeded, got %d (failed=%d)", report.Succeeded, report.Failed)
	}
	if report.RunID == "" {
		t.Fatal("expected a run id")
	}
}

// 单个关键词失败不得影响其余关键词。
func TestRunner_FaultIsolation(t *testing.T) {
	keywords := []model.Keyword{
		{ID: 1, Text: "healthy"},
		{ID: 2, Text: "broken"},
		{ID: 3, Text: "healthy"},
	}

	failing := &failingSnapshots{failID: 2, entries: testEntries()}
	sink := &recordingSink{}
	p := newTestPipeline(failing, stubHistory{}, sink, &stubLock{acquired: true})
	runner := NewRunner(testLogger(), pagedKeywords{keywords: keywords}, p, 2, 4)

	report, err := runner.Run(context.Background(), day(0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Succeeded != 2 {
		t.Fatalf("expected 2 succeeded, got %d", report.Succeeded)
	}
	if report.Failed != 1 {
		t.Fatalf("expected 1 failed, got %d", report.Failed)
	}
}

type failingSnapshots struct {
	failID  uint
	entries []RawEntry
}

func (s *failingSnapshots) Entries(ctx context.Context, keywordID uint, date time.Time) ([]RawEntry, error) {
	if keywordID == s.failID {
		return nil, errors.New("snapshot table corrupt")
	}
	return s.entries, nil
}

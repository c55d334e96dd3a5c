package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_interactions_created",
		"idx_interactions_conversation",
		"idx_tool_executions_interaction",
		"idx_documents_created",
		"idx_jobs_status_run_after",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	if v, err := parseMigrationVersion("002_documents_jobs.sql"); err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v; want 2", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestSaveAndGetInteraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := time.Date(2025, 3, 14, 9, 30, 0, 123456000, time.UTC)
	in := Interaction{
		ID:             "i-1",
		CreatedAt:      created,
		ConversationID: "c-1",
		UserMessage:    "what's on my calendar?",
		Response:       "Two meetings.",
		Model:          "anthropic/claude-sonnet-4",
		InputTokens:    120,
		OutputTokens:   30,
		DocumentCount:  1,
		LatencyMs:      850,
	}
	calls := []ToolExecution{
		{Name: "calendar", InputJSON: `{"range":"today"}`, Output: "2 events", DurationMs: 40, ExecutedAt: created},
		{Name: "web_search", Output: `{"error":"boom"}`, IsError: true, ExecutedAt: created.Add(time.Second)},
	}
	if err := s.SaveInteraction(ctx, in, calls); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	got, err := s.GetInteraction(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.UserMessage != in.UserMessage || got.Response != in.Response || got.Model != in.Model {
		t.Errorf("got %+v, want %+v", got, in)
	}
	if got.InputTokens != 120 || got.OutputTokens != 30 || got.DocumentCount != 1 || got.LatencyMs != 850 {
		t.Errorf("counters = %+v", got)
	}
	if got.Mocked {
		t.Error("Mocked = true, want false")
	}

	if len(got.ToolExecutions) != 2 {
		t.Fatalf("tool executions = %d, want 2", len(got.ToolExecutions))
	}
	first, second := got.ToolExecutions[0], got.ToolExecutions[1]
	if first.Name != "calendar" || first.InputJSON != `{"range":"today"}` || first.DurationMs != 40 {
		t.Errorf("first call = %+v", first)
	}
	if first.ID == "" || first.InteractionID != "i-1" {
		t.Errorf("first call ids = %q / %q", first.ID, first.InteractionID)
	}
	if second.Name != "web_search" || !second.IsError || second.InputJSON != "{}" {
		t.Errorf("second call = %+v", second)
	}
}

func TestGetInteractionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetInteraction(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveInteraction_DuplicateRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	i := Interaction{ID: "dup", CreatedAt: time.Now(), UserMessage: "hi"}
	if err := s.SaveInteraction(ctx, i, nil); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}
	err := s.SaveInteraction(ctx, i, []ToolExecution{{Name: "calendar", ExecutedAt: time.Now()}})
	if err == nil {
		t.Fatal("expected error for duplicate interaction")
	}

	calls, err := s.ListToolExecutions(ctx, "dup")
	if err != nil {
		t.Fatalf("ListToolExecutions: %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("tool executions = %d, want 0", len(calls))
	}
}

func TestGetRecentInteractions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for n := 0; n < 5; n++ {
		conv := "a"
		if n%2 == 1 {
			conv = "b"
		}
		i := Interaction{
			ID:             fmt.Sprintf("i-%d", n),
			CreatedAt:      base.Add(time.Duration(n) * time.Millisecond),
			ConversationID: conv,
			UserMessage:    "m",
			Mocked:         n == 4,
		}
		if err := s.SaveInteraction(ctx, i, nil); err != nil {
			t.Fatalf("SaveInteraction %d: %v", n, err)
		}
	}

	got, err := s.GetRecentInteractions(ctx, "", 3)
	if err != nil {
		t.Fatalf("GetRecentInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"i-4", "i-3", "i-2"}
	for k, id := range want {
		if got[k].ID != id {
			t.Errorf("got[%d].ID = %q, want %q", k, got[k].ID, id)
		}
	}
	if !got[0].Mocked {
		t.Error("i-4 should be mocked")
	}

	convB, err := s.GetRecentInteractions(ctx, "b", 10)
	if err != nil {
		t.Fatalf("GetRecentInteractions(b): %v", err)
	}
	if len(convB) != 2 || convB[0].ID != "i-3" || convB[1].ID != "i-1" {
		t.Errorf("conversation b = %+v", convB)
	}
}

func TestDeleteInteraction_CascadesToolExecutions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	i := Interaction{ID: "del", CreatedAt: time.Now(), UserMessage: "hi"}
	if err := s.SaveInteraction(ctx, i, []ToolExecution{{Name: "calendar", ExecutedAt: time.Now()}}); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}
	if err := s.DeleteInteraction(ctx, "del"); err != nil {
		t.Fatalf("DeleteInteraction: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tool_executions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("tool executions left = %d, want 0", n)
	}
	if err := s.DeleteInteraction(ctx, "del"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestSaveDocumentWithJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := Document{
		ID:            "d-1",
		FileName:      "notes.txt",
		MimeType:      "text/plain",
		Data:          []byte("hello world"),
		QuestionsJSON: `["who?"]`,
	}
	job := &Job{ID: "j-1", Type: "analyze_document", PayloadJSON: `{"document_id":"d-1"}`}
	if err := s.SaveDocument(ctx, d, job); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "d-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if string(got.Data) != "hello world" {
		t.Errorf("Data = %q", got.Data)
	}
	if got.SizeBytes != 11 {
		t.Errorf("SizeBytes = %d, want 11", got.SizeBytes)
	}
	if got.Status != DocumentPending || got.AnalysisType != "summary" || got.QuestionsJSON != `["who?"]` {
		t.Errorf("document = %+v", got)
	}

	j, err := s.GetJob(ctx, "j-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Type != "analyze_document" || j.Status != "pending" {
		t.Errorf("job = %+v", j)
	}
}

func TestSaveDocument_JobFailureRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueJob(ctx, Job{ID: "taken", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	err := s.SaveDocument(ctx, Document{ID: "d-2", FileName: "a.txt", Data: []byte("a")}, &Job{ID: "taken", Type: "analyze_document"})
	if err == nil {
		t.Fatal("expected error for duplicate job id")
	}
	if _, err := s.GetDocument(ctx, "d-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("document persisted despite failed job: %v", err)
	}
}

func TestListDocumentsAndResult(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for n, name := range []string{"a.txt", "b.csv"} {
		d := Document{ID: name, FileName: name, Data: []byte(name), CreatedAt: base.Add(time.Duration(n) * time.Second)}
		if err := s.SaveDocument(ctx, d, nil); err != nil {
			t.Fatalf("SaveDocument %s: %v", name, err)
		}
	}

	if err := s.SetDocumentResult(ctx, "a.txt", DocumentAnalyzed, `{"success":true}`); err != nil {
		t.Fatalf("SetDocumentResult: %v", err)
	}
	if err := s.SetDocumentResult(ctx, "missing", DocumentFailed, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDocumentResult(missing) = %v, want ErrNotFound", err)
	}

	docs, err := s.ListDocuments(ctx, 10)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len = %d, want 2", len(docs))
	}
	if docs[0].ID != "b.csv" || docs[1].ID != "a.txt" {
		t.Errorf("order = %s, %s", docs[0].ID, docs[1].ID)
	}
	if docs[0].Data != nil {
		t.Error("ListDocuments returned content")
	}
	if docs[1].Status != DocumentAnalyzed || docs[1].ResultJSON != `{"success":true}` {
		t.Errorf("a.txt = %+v", docs[1])
	}

	if err := s.DeleteDocument(ctx, "a.txt"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if err := s.DeleteDocument(ctx, "a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}
}

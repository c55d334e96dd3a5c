// Package ingest runs queued document analyses in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kalambet/orca/internal/document"
	"github.com/kalambet/orca/internal/storage"
)

// JobAnalyzeDocument is the job type handled by Worker.
const JobAnalyzeDocument = "analyze_document"

// JobStore abstracts the job queue and document operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) (bool, error)
	RequeueRunning(ctx context.Context) (int64, error)
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	SetDocumentResult(ctx context.Context, id, status, resultJSON string) error
}

// Analyzer runs the document pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, in document.Input) document.Result
}

// AnalyzePayload is the payload of an analyze_document job.
type AnalyzePayload struct {
	DocumentID string `json:"document_id"`
}

// NewAnalyzeJob builds the job that analyzes the stored document docID.
func NewAnalyzeJob(docID string) storage.Job {
	payload, _ := json.Marshal(AnalyzePayload{DocumentID: docID})
	return storage.Job{
		ID:          uuid.NewString(),
		Type:        JobAnalyzeDocument,
		PayloadJSON: string(payload),
	}
}

// Worker processes analyze_document jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	analyzer Analyzer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, analyzer Analyzer, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		analyzer: analyzer,
		poll:     pollInterval,
		logger:   logger,
	}
}

// Run polls for jobs until ctx is cancelled. Jobs left running by a
// previous process are requeued first.
func (w *Worker) Run(ctx context.Context) {
	if n, err := w.store.RequeueRunning(ctx); err != nil {
		w.logger.Error("requeueing interrupted jobs failed", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued interrupted jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single analyze_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobAnalyzeDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		terminal, failErr := w.store.FailJob(ctx, job.ID, err.Error())
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		if terminal {
			w.markFailed(ctx, job, err)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob analyzes the job's document. Deterministic failures such as an
// unsupported format are stored as the document's result and complete the
// job; interrupted analyses return an error so the job is retried.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload AnalyzePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	doc, err := w.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", payload.DocumentID, err)
	}

	var questions []string
	if doc.QuestionsJSON != "" {
		if err := json.Unmarshal([]byte(doc.QuestionsJSON), &questions); err != nil {
			return fmt.Errorf("parsing questions of document %s: %w", doc.ID, err)
		}
	}

	start := time.Now()
	res := w.analyzer.Analyze(ctx, document.Input{
		Data:         doc.Data,
		FileName:     doc.FileName,
		AnalysisType: document.ParseAnalysisType(doc.AnalysisType),
		Questions:    questions,
	})

	// Interrupted runs may carry a partial result; the job retries either way.
	if res.ErrorKind == document.KindDeadlineExceeded || res.ErrorKind == document.KindCanceled {
		return res.Err()
	}

	status := storage.DocumentAnalyzed
	if !res.Success {
		status = storage.DocumentFailed
	}
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if err := w.store.SetDocumentResult(ctx, doc.ID, status, string(b)); err != nil {
		return fmt.Errorf("storing result of document %s: %w", doc.ID, err)
	}

	w.logger.Info("document job done",
		"job_id", job.ID,
		"document_id", doc.ID,
		"status", status,
		"strategy", res.Strategy,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// markFailed records a terminal job failure on the document.
func (w *Worker) markFailed(ctx context.Context, job *storage.Job, cause error) {
	var payload AnalyzePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil || payload.DocumentID == "" {
		return
	}
	b, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := w.store.SetDocumentResult(ctx, payload.DocumentID, storage.DocumentFailed, string(b)); err != nil {
		w.logger.Warn("marking document failed", "document_id", payload.DocumentID, "error", err)
	}
}

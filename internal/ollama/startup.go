package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

const warmupTimeout = 30 * time.Second

var ErrNotRunning = errors.New("Ollama is not running. Start it with: ollama serve")

// EnsureReady verifies the daemon, pulls model when it is missing and warms
// it up so the first document does not pay the load time. Progress goes to
// w. A failed warm-up is reported but not returned.
func EnsureReady(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return ErrNotRunning
	}
	if err := ensureModel(ctx, c, model, w); err != nil {
		return err
	}

	warmCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()
	if _, err := c.Chat(warmCtx, model, []Message{{Role: "user", Content: "ping"}}, 1); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		return nil
	}
	fmt.Fprintf(w, "model %s: warm\n", model)
	return nil
}

func ensureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := c.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)*100/float64(p.Total))
			return
		}
		fmt.Fprintf(w, "  %s\n", p.Status)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}

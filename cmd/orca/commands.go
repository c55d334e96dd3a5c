package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/orca/internal/config"
	"github.com/kalambet/orca/internal/orchestrator"
)

const listPageSize = 100

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readAttachments loads each path and encodes it for the chat endpoint.
func readAttachments(paths []string) ([]orchestrator.Attachment, error) {
	atts := make([]orchestrator.Attachment, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading attachment: %w", err)
		}
		atts = append(atts, orchestrator.Attachment{
			FileName: filepath.Base(p),
			Content:  base64.StdEncoding.EncodeToString(data),
		})
	}
	return atts, nil
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send a message through the orchestrator",
	Long: `Send a message through the orchestrator.

Examples:
  orca chat "What is on my calendar tomorrow?"
  orca chat "Summarize this" --attach ./report.pdf
  orca chat "And the totals?" --conversation 3f1c --attach ./q3.xlsx`,
	RunE: func(cmd *cobra.Command, args []string) error {
		attach, _ := cmd.Flags().GetStringSlice("attach")
		conversation, _ := cmd.Flags().GetString("conversation")
		raw, _ := cmd.Flags().GetBool("json")

		message := strings.TrimSpace(strings.Join(args, " "))
		if message == "" && len(attach) == 0 {
			return fmt.Errorf("a message or --attach is required")
		}

		atts, err := readAttachments(attach)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		res, err := sendChat(cmd.Context(), client, orchestrator.Request{
			Message:        message,
			ConversationID: conversation,
			Attachments:    atts,
		})
		if err != nil {
			return err
		}
		if raw {
			return printJSON(res)
		}
		renderChat(res)
		return nil
	},
}

func sendChat(ctx context.Context, c *apiClient, req orchestrator.Request) (orchestrator.Result, error) {
	var res orchestrator.Result
	err := c.post(ctx, "/chat", req, &res)
	return res, err
}

func renderChat(res orchestrator.Result) {
	fmt.Fprintln(stdout, res.MessageText)
	if res.Mocked {
		printWarning("answered by the offline responder")
	}
	for _, b := range res.Badges {
		printStatus("Badge", "%s", b)
	}
	for _, call := range res.ToolCalls {
		state := "ok"
		if call.IsError {
			state = "failed"
		}
		printStatus("Tool", "%s (%s, %dms)", call.Name, state, call.DurationMs)
	}
	printStatus("Conversation", "%s", res.ConversationID)
	printStatus("Tokens", "%d in / %d out", res.Usage.InputTokens, res.Usage.OutputTokens)
}

func init() {
	chatCmd.Flags().StringSlice("attach", nil, "file to attach (repeatable)")
	chatCmd.Flags().String("conversation", "", "conversation ID to continue")
	chatCmd.Flags().Bool("json", false, "print the full result as JSON")
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <file>",
	Short: "Analyze a document",
	Long: `Analyze a document synchronously, or queue it with --queue.

Examples:
  orca analyze ./contract.docx --type legal
  orca analyze ./sales.csv --type financial --question "Which region grew?"
  orca analyze ./notes.md --queue`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		analysisType, _ := cmd.Flags().GetString("type")
		questions, _ := cmd.Flags().GetStringArray("question")
		queue, _ := cmd.Flags().GetBool("queue")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		req := map[string]any{
			"file_name": filepath.Base(args[0]),
			"content":   base64.StdEncoding.EncodeToString(data),
		}
		if analysisType != "" {
			req["analysis_type"] = analysisType
		}
		if len(questions) > 0 {
			req["questions"] = questions
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if queue {
			var queued map[string]string
			if err := client.post(cmd.Context(), "/documents", req, &queued); err != nil {
				return err
			}
			printSuccess("Queued document %s (job %s)", queued["id"], queued["job_id"])
			return nil
		}

		var result any
		if err := client.post(cmd.Context(), "/documents/analyze", req, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

func init() {
	analyzeCmd.Flags().String("type", "", "analysis type: general, legal, financial, technical or research")
	analyzeCmd.Flags().StringArray("question", nil, "question to answer from the document (repeatable)")
	analyzeCmd.Flags().Bool("queue", false, "store the document and analyze it in the background")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage stored documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var docs []struct {
			ID        string `json:"id"`
			FileName  string `json:"file_name"`
			Status    string `json:"status"`
			SizeBytes int64  `json:"size_bytes"`
			CreatedAt string `json:"created_at"`
		}
		if err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit), &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			printStep("No documents")
			return nil
		}
		for _, d := range docs {
			fmt.Fprintf(stdout, "%s  %-9s %8d  %s  %s\n", d.ID, d.Status, d.SizeBytes, d.CreatedAt, d.FileName)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a document and its analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showResource(cmd.Context(), "/documents/", args[0])
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteResource(cmd.Context(), "/documents/", "document", args[0])
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents")
	documentsCmd.AddCommand(documentsListCmd, documentsShowCmd, documentsDeleteCmd)
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse recorded chat turns",
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		conversation, _ := cmd.Flags().GetString("conversation")

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if conversation != "" {
			q.Set("conversation_id", conversation)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var interactions []struct {
			ID          string `json:"id"`
			CreatedAt   string `json:"created_at"`
			UserMessage string `json:"user_message"`
			Status      string `json:"status"`
			Mocked      bool   `json:"mocked"`
		}
		if err := client.get(cmd.Context(), "/interactions?"+q.Encode(), &interactions); err != nil {
			return err
		}
		if len(interactions) == 0 {
			printStep("No interactions")
			return nil
		}
		for _, ix := range interactions {
			status := ix.Status
			if ix.Mocked {
				status += "*"
			}
			fmt.Fprintf(stdout, "%s  %s  %-10s %s\n", ix.ID, ix.CreatedAt, status, truncate(ix.UserMessage, 60))
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show an interaction with its tool executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showResource(cmd.Context(), "/interactions/", args[0])
	},
}

var interactionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteResource(cmd.Context(), "/interactions/", "interaction", args[0])
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions")
	interactionsListCmd.Flags().String("conversation", "", "only show this conversation")
	interactionsCmd.AddCommand(interactionsListCmd, interactionsShowCmd, interactionsDeleteCmd)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func showResource(ctx context.Context, prefix, id string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	var v any
	if err := client.get(ctx, prefix+url.PathEscape(id), &v); err != nil {
		return err
	}
	return printJSON(v)
}

func deleteResource(ctx context.Context, prefix, kind, id string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := client.delete(ctx, prefix+url.PathEscape(id)); err != nil {
		return err
	}
	printSuccess("Deleted %s %s", kind, id)
	return nil
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the prompt cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show prompt cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var stats struct {
			Hits    int64 `json:"hits"`
			Misses  int64 `json:"misses"`
			Entries int   `json:"entries"`
		}
		if err := client.get(cmd.Context(), "/cache/stats", &stats); err != nil {
			return err
		}
		printStatus("Entries", "%d", stats.Entries)
		printStatus("Hits", "%d", stats.Hits)
		printStatus("Misses", "%d", stats.Misses)
		printStatus("Hit rate", "%s", hitRate(stats.Hits, stats.Misses))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err := client.post(cmd.Context(), "/cache/clear", nil, nil); err != nil {
			return err
		}
		printSuccess("Cache cleared")
		return nil
	},
}

func hitRate(hits, misses int64) string {
	total := hits + misses
	if total == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", float64(hits)*100/float64(total))
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}

// --- prompt ---

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Show the active system prompt version",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var info struct {
			Version         string   `json:"version"`
			Length          int      `json:"length"`
			EstimatedTokens int      `json:"estimated_tokens"`
			Fragments       []string `json:"fragments"`
		}
		if err := client.get(cmd.Context(), "/prompt/info", &info); err != nil {
			return err
		}
		printStatus("Version", "%s", info.Version)
		printStatus("Length", "%d chars (~%d tokens)", info.Length, info.EstimatedTokens)
		printStatus("Fragments", "%d", len(info.Fragments))
		return nil
	},
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Bulk data operations",
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all stored documents and interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("this deletes all data; pass --confirm to proceed")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var total int
		for _, path := range []string{"/documents", "/interactions"} {
			printStep("Deleting %s...", strings.TrimPrefix(path, "/"))
			failures, err := purgeEndpoint(cmd.Context(), client, path)
			if err != nil {
				return err
			}
			total += failures
		}
		if total > 0 {
			return fmt.Errorf("%d items could not be deleted", total)
		}
		printSuccess("All data purged")
		return nil
	},
}

// purgeEndpoint deletes every item listed at path and reports how many
// deletions failed. It stops once a page holds only items that already
// failed.
func purgeEndpoint(ctx context.Context, c *apiClient, path string) (int, error) {
	failed := make(map[string]bool)
	for {
		var items []struct {
			ID string `json:"id"`
		}
		if err := c.get(ctx, fmt.Sprintf("%s?limit=%d", path, listPageSize), &items); err != nil {
			return len(failed), err
		}

		progressed := false
		for _, it := range items {
			if failed[it.ID] {
				continue
			}
			progressed = true
			if err := c.delete(ctx, path+"/"+url.PathEscape(it.ID)); err != nil {
				printError("Failed to delete %s: %v", it.ID, err)
				failed[it.ID] = true
			}
		}
		if !progressed {
			return len(failed), nil
		}
	}
}

func init() {
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataPurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			source := ""
			if k.FromEnv {
				source = colorize(colorYellow, "  [from "+k.EnvVar+"]")
			}
			fmt.Fprintf(stdout, "  %s = %s%s\n", colorize(colorBold, k.Key), k.Value, source)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

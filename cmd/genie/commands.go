package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kalambet/dbgenie/internal/api"
	"github.com/kalambet/dbgenie/internal/composer"
	"github.com/kalambet/dbgenie/internal/config"
	"github.com/kalambet/dbgenie/internal/session"
	"github.com/kalambet/dbgenie/internal/sqldb"
	"github.com/kalambet/dbgenie/internal/tui"
	"github.com/kalambet/dbgenie/internal/viz"
)

// --- ask ---

type chatAnswer struct {
	SessionID string `json:"session_id"`
	composer.Answer
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question",
	Long: `Ask a single question. A new session is created unless --session is given.

Examples:
  genie ask "How many employees work in Engineering?"
  genie ask --stream "What is the sick leave policy?"
  genie ask --session 3f0e8a52-... "Plot that by department"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		stream, _ := cmd.Flags().GetBool("stream")
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if sessionID == "" {
			if sessionID, err = createSession(ctx, client); err != nil {
				return err
			}
			printStep("Session %s", sessionID)
		}

		out := cmd.OutOrStdout()
		if stream {
			return streamAnswer(ctx, client, out, sessionID, question)
		}

		resp, err := client.post(ctx, "/chat", map[string]string{"session_id": sessionID, "message": question})
		if err != nil {
			return err
		}
		var ans chatAnswer
		if err := decodeJSON(resp, &ans); err != nil {
			return err
		}
		printAnswer(out, &ans.Answer)
		return nil
	},
}

func init() {
	askCmd.Flags().Bool("stream", false, "stream the answer as it is generated")
	askCmd.Flags().String("session", "", "existing session id to continue")
}

func createSession(ctx context.Context, client *apiClient) (string, error) {
	resp, err := client.post(ctx, "/session", nil)
	if err != nil {
		return "", err
	}
	var s session.Session
	if err := decodeJSON(resp, &s); err != nil {
		return "", err
	}
	return s.ID, nil
}

func streamAnswer(ctx context.Context, client *apiClient, w io.Writer, sessionID, question string) error {
	var failed error
	err := client.Stream(ctx, sessionID, question, func(ev api.StreamEvent) error {
		switch ev.Event {
		case api.EventRoute:
			var d api.RouteData
			if json.Unmarshal(ev.Data, &d) == nil {
				printStep("Routes: %s", joinRoutes(d))
			}
		case api.EventVisualization:
			var a viz.Artifact
			if json.Unmarshal(ev.Data, &a) == nil {
				printChart(w, &a)
			}
		case api.EventContent:
			var c api.ContentData
			if json.Unmarshal(ev.Data, &c) == nil {
				fmt.Fprint(w, c.Content)
			}
		case api.EventComplete:
			var a composer.Answer
			fmt.Fprintln(w)
			if json.Unmarshal(ev.Data, &a) == nil {
				printSources(w, a.Sources)
				printDiagnostics(a.Diagnostics)
			}
		case api.EventError:
			var d api.ErrorData
			if json.Unmarshal(ev.Data, &d) == nil {
				printDiagnostics(d.Diagnostics)
				failed = errors.New(d.Error.Message)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return failed
}

func joinRoutes(d api.RouteData) string {
	names := make([]string, len(d.Routes))
	for i, r := range d.Routes {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}

func printAnswer(w io.Writer, a *composer.Answer) {
	if a.Chart != nil {
		printChart(w, a.Chart)
	}
	fmt.Fprintln(w, a.Text)
	if a.Query != nil {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorDim, "SQL:"), a.Query.Statement)
	}
	printSources(w, a.Sources)
	printDiagnostics(a.Diagnostics)
}

func printChart(w io.Writer, a *viz.Artifact) {
	fmt.Fprintf(w, "%s %s (%s by %s, %d rows)\n",
		colorize(colorCyan, "["+string(a.Kind)+" chart]"), a.Title, a.Y, a.X, a.RowCount)
}

func printSources(w io.Writer, sources []composer.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, colorize(colorDim, "\nSources:"))
	for i, s := range sources {
		if s.Page > 0 {
			fmt.Fprintf(w, "  [%d] %s, page %d\n", i+1, s.Source, s.Page)
		} else {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, s.Source)
		}
	}
}

func printDiagnostics(diags []composer.Diagnostic) {
	for _, d := range diags {
		printWarning("%s route: %s", d.Route, d.Message)
	}
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if sessionID == "" {
			if sessionID, err = createSession(cmd.Context(), client); err != nil {
				return err
			}
		}

		_, err = tea.NewProgram(tui.New(client, sessionID), tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	chatCmd.Flags().String("session", "", "existing session id to continue")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage chat sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		id, err := createSession(cmd.Context(), client)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the turns of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/session/"+url.PathEscape(args[0])+"/history")
		if err != nil {
			return err
		}
		var body struct {
			SessionID string         `json:"session_id"`
			History   []session.Turn `json:"history"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(body)
		}
		if len(body.History) == 0 {
			fmt.Fprintln(out, "No turns yet.")
			return nil
		}
		for _, t := range body.History {
			label := colorize(colorBold, t.Role)
			fmt.Fprintf(out, "%s %s\n%s\n", label, colorize(colorDim, t.Timestamp.Format("2006-01-02 15:04:05")), t.Content)
			if t.Payload != nil && t.Payload.Statement != "" {
				fmt.Fprintf(out, "%s %s\n", colorize(colorDim, "SQL:"), t.Payload.Statement)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Clear the history of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/session/"+url.PathEscape(args[0])+"/clear", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Session %s cleared", args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/session/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Session %s deleted", args[0])
		return nil
	},
}

func init() {
	sessionHistoryCmd.Flags().Bool("json", false, "print raw JSON")
	sessionCmd.AddCommand(sessionCreateCmd, sessionHistoryCmd, sessionClearCmd, sessionDeleteCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Upload PDF documents for indexing",
	Long: `Upload PDF documents for indexing. Embedding runs in the background;
use "genie status" to follow the document count.

Examples:
  genie ingest ./handbook.pdf
  genie ingest ./policies/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var failed int
		for _, path := range args {
			resp, err := client.upload(cmd.Context(), "/upload-pdf", path)
			if err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			var doc struct {
				ID     string `json:"document_id"`
				Chunks int    `json:"chunks"`
			}
			if err := decodeJSON(resp, &doc); err != nil {
				printError("%s: %v", path, err)
				failed++
				continue
			}
			printSuccess("Queued %s as %s (%d chunks)", path, doc.ID, doc.Chunks)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d files failed", failed, len(args))
		}
		return nil
	},
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema [table]",
	Short: "Describe the database, or show sample rows of one table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if len(args) == 1 {
			limit, _ := cmd.Flags().GetInt("limit")
			path := fmt.Sprintf("/database/tables/%s/sample?limit=%d", url.PathEscape(args[0]), limit)
			resp, err := client.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			var sample struct {
				Columns []string         `json:"columns"`
				Rows    []map[string]any `json:"sample_data"`
			}
			if err := decodeJSON(resp, &sample); err != nil {
				return err
			}
			return printRows(out, sample.Columns, sample.Rows)
		}

		resp, err := client.get(cmd.Context(), "/database/schema")
		if err != nil {
			return err
		}
		var body struct {
			Description string `json:"description"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}
		fmt.Fprintln(out, body.Description)
		return nil
	},
}

func init() {
	schemaCmd.Flags().Int("limit", sqldb.DefaultSampleLimit, "number of sample rows")
}

// --- sql ---

var sqlCmd = &cobra.Command{
	Use:   "sql <query>",
	Short: "Run a read-only SELECT statement",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/query/sql", map[string]string{"query": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var res struct {
			Columns   []string         `json:"columns"`
			Data      []map[string]any `json:"data"`
			RowCount  int              `json:"row_count"`
			Truncated bool             `json:"truncated"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}

		if err := printRows(cmd.OutOrStdout(), res.Columns, res.Data); err != nil {
			return err
		}
		suffix := ""
		if res.Truncated {
			suffix = " (truncated)"
		}
		fmt.Fprintln(os.Stderr, colorize(colorDim, fmt.Sprintf("%d rows%s", res.RowCount, suffix)))
		return nil
	},
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed <path>",
	Short: "Create a SQLite database with the sample HR data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := sqldb.OpenSQLite(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		if err := sqldb.SeedHR(cmd.Context(), src.DB()); err != nil {
			return err
		}
		printSuccess("Seeded sample HR data into %s", args[0])
		return nil
	},
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
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Fprintln(cmd.OutOrStdout(), colorize(colorDim, "  file: "+config.ConfigFilePath()))
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

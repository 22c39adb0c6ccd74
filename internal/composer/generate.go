package composer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/dbgenie/internal/intent"
	"github.com/kalambet/dbgenie/internal/sqldb"
)

const (
	templatePassages = 3
	templateRows     = 10
	chunkWords       = 6
)

type generator interface {
	generate(ctx context.Context, ev Evidence, diags []Diagnostic, push func(string) error) error
}

// templateGenerator renders a deterministic answer from the evidence.
type templateGenerator struct{}

func (templateGenerator) generate(ctx context.Context, ev Evidence, diags []Diagnostic, push func(string) error) error {
	for _, piece := range chunkText(renderTemplate(ev, diags), chunkWords) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := push(piece); err != nil {
			return err
		}
	}
	return nil
}

func renderTemplate(ev Evidence, diags []Diagnostic) string {
	var parts []string

	if ev.Decision.Has(intent.RouteDocument) && ev.DocumentErr == nil {
		if len(ev.Passages) == 0 {
			parts = append(parts, "I could not find any relevant documents for this question.")
		} else {
			var b strings.Builder
			b.WriteString("Here is what the documents say:")
			for i, p := range ev.Passages {
				if i == templatePassages {
					break
				}
				fmt.Fprintf(&b, "\n[%d] %s", i+1, p.Source)
				if p.Page > 0 {
					fmt.Fprintf(&b, " (page %d)", p.Page)
				}
				b.WriteString(": ")
				b.WriteString(excerpt(p.Text, 400))
			}
			parts = append(parts, b.String())
		}
	}

	if ev.Query != nil && ev.Query.Result != nil {
		parts = append(parts, describeResult(ev.Query.Result))
	}

	if ev.Chart != nil {
		title := ev.Chart.Title
		if title == "" {
			title = fmt.Sprintf("%s by %s", ev.Chart.Y, ev.Chart.X)
		}
		parts = append(parts, fmt.Sprintf("I prepared a %s chart: %s.", ev.Chart.Kind, title))
	}

	for _, d := range diags {
		parts = append(parts, fmt.Sprintf("I could not complete the %s part of your question: %s.", d.Route, d.Message))
	}
	return strings.Join(parts, "\n\n")
}

func describeResult(res *sqldb.Result) string {
	switch {
	case res.RowCount == 0:
		return "The query returned no rows."
	case res.RowCount == 1 && len(res.Columns) == 1:
		col := res.Columns[0]
		return fmt.Sprintf("The result is %s (%s).", formatValue(res.Rows[0][col]), col)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "The query returned %d rows", res.RowCount)
	if res.Truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString(":\n\n")
	writeTable(&b, res, templateRows)
	if res.RowCount > templateRows {
		fmt.Fprintf(&b, "\n...and %d more rows.", res.RowCount-templateRows)
	}
	return strings.TrimRight(b.String(), "\n")
}

// writeTable renders up to limit rows as a markdown table.
func writeTable(b *strings.Builder, res *sqldb.Result, limit int) {
	b.WriteString("| " + strings.Join(res.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(res.Columns)) + "\n")
	for i, row := range res.Rows {
		if i == limit {
			break
		}
		cells := make([]string, len(res.Columns))
		for j, col := range res.Columns {
			cells[j] = formatValue(row[col])
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case float32:
		return formatValue(float64(x))
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	case string:
		return strings.ReplaceAll(x, "|", "/")
	default:
		return fmt.Sprint(x)
	}
}

// chunkText splits s into pieces of about n words whose concatenation is s.
func chunkText(s string, n int) []string {
	if s == "" {
		return nil
	}
	words := strings.SplitAfter(s, " ")
	var out []string
	for i := 0; i < len(words); i += n {
		end := min(i+n, len(words))
		out = append(out, strings.Join(words[i:end], ""))
	}
	return out
}

// llmGenerator streams the answer from a chat model.
type llmGenerator struct {
	chat   StreamChatter
	model  string
	budget int
}

func (g llmGenerator) generate(ctx context.Context, ev Evidence, diags []Diagnostic, push func(string) error) error {
	msgs := buildMessages(ev, diags, g.budget)
	if err := g.chat.ChatStream(ctx, g.model, msgs, push); err != nil {
		return fmt.Errorf("streaming answer: %w", err)
	}
	return nil
}

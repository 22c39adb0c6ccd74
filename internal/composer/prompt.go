package composer

import (
	"fmt"
	"strings"

	"github.com/kalambet/dbgenie/internal/engine"
	"github.com/kalambet/dbgenie/internal/intent"
)

const systemPrompt = `You are DB Genie, an assistant that answers questions about company HR data and HR policy documents.
Answer only from the evidence below. Cite document passages as [n]. Quote numbers exactly as they appear in the query results.
If part of the question could not be answered, say so briefly. Never invent policies, names or figures.`

// buildMessages assembles the system prompt with the evidence, the prior
// turns and the question. Evidence is cut to maxTokens: query rows are kept
// first, then passages in rank order.
func buildMessages(ev Evidence, diags []Diagnostic, maxTokens int) []engine.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	remaining := maxTokens

	if ev.Query != nil && ev.Query.Result != nil {
		res := ev.Query.Result
		head := fmt.Sprintf("\n\n[Database Result]\nSQL: %s\nRows: %d", ev.Query.Statement, res.RowCount)
		if res.Truncated {
			head += " (truncated)"
		}
		sb.WriteString(head + "\n")
		remaining -= EstimateTokens(head)

		var table strings.Builder
		writeTable(&table, res, len(res.Rows))
		for _, line := range strings.SplitAfter(table.String(), "\n") {
			tokens := EstimateTokens(line)
			if tokens > remaining {
				sb.WriteString("...\n")
				break
			}
			sb.WriteString(line)
			remaining -= tokens
		}
	}

	if ev.Decision.Has(intent.RouteDocument) && ev.DocumentErr == nil {
		sb.WriteString("\n\n[Retrieved Documents]\n")
		if len(ev.Passages) == 0 {
			sb.WriteString("No relevant documents were found.\n")
		}
		for i, p := range ev.Passages {
			entry := formatPassage(i+1, p.Source, p.Page, p.Score, p.Text)
			tokens := EstimateTokens(entry)
			if tokens > remaining {
				break
			}
			sb.WriteString(entry)
			remaining -= tokens
		}
	}

	if ev.Chart != nil {
		fmt.Fprintf(&sb, "\n\n[Chart]\nA %s chart of %s by %s is shown to the user.\n", ev.Chart.Kind, ev.Chart.Y, ev.Chart.X)
	}

	if len(diags) > 0 {
		sb.WriteString("\n\n[Unavailable]\n")
		for _, d := range diags {
			fmt.Fprintf(&sb, "- %s: %s\n", d.Route, d.Message)
		}
	}

	msgs := make([]engine.Message, 0, len(ev.History)+2)
	msgs = append(msgs, engine.Message{Role: engine.RoleSystem, Content: sb.String()})
	msgs = append(msgs, ev.History...)
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: ev.Question})
	return msgs
}

func formatPassage(n int, source string, page int, score float32, text string) string {
	loc := source
	if page > 0 {
		loc = fmt.Sprintf("%s, page %d", source, page)
	}
	return fmt.Sprintf("[%d] (Score: %.2f, Source: %s)\n%s\n\n", n, score, loc, strings.TrimSpace(text))
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

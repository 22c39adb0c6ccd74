package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kalambet/dbgenie/internal/api"
	"github.com/kalambet/dbgenie/internal/config"
	"github.com/kalambet/dbgenie/internal/sqldb"
)

type recordedRequest struct {
	Method      string
	Path        string
	Body        string
	ContentType string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method:      r.Method,
			Path:        r.URL.RequestURI(),
			Body:        body.String(),
			ContentType: r.Header.Get("Content-Type"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			if strings.HasPrefix(resp, "event:") {
				w.Header().Set("Content-Type", "text/event-stream")
			} else {
				w.Header().Set("Content-Type", "application/json")
			}
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"session not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		httpClient: ts.server.Client(),
	}
}

func sse(events ...string) string {
	return strings.Join(events, "")
}

func sseEvent(name string, data any) string {
	b, _ := json.Marshal(data)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", name, b)
}

var ctx = context.Background()

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /session": `{"session_id":"3f0e8a52-5d0c-4b8e-9b7a-2b1c2d3e4f50","created_at":"2026-01-01T00:00:00Z"}`,
	})

	id, err := createSession(ctx, ts.client())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "3f0e8a52-5d0c-4b8e-9b7a-2b1c2d3e4f50" {
		t.Errorf("id = %q", id)
	}
	if len(ts.requests) != 1 || ts.requests[0].Method != "POST" || ts.requests[0].Path != "/session" {
		t.Errorf("requests = %+v", ts.requests)
	}
}

func TestStreamAnswer(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat/stream": sse(
			sseEvent("route", map[string]any{"routes": []string{"document"}, "hybrid": false}),
			": keep-alive\n\n",
			sseEvent("content", map[string]any{"seq": 1, "content": "Employees get "}),
			sseEvent("content", map[string]any{"seq": 2, "content": "10 sick days [1]."}),
			sseEvent("complete", map[string]any{
				"answer":  "Employees get 10 sick days [1].",
				"routes":  []string{"document"},
				"sources": []map[string]any{{"document_id": "d1", "source": "handbook.pdf", "page": 4, "score": 0.8, "excerpt": "..."}},
			}),
		),
	})

	var out bytes.Buffer
	err := streamAnswer(ctx, ts.client(), &out, "s1", "What is the sick leave policy?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := out.String()
	if !strings.Contains(got, "Employees get 10 sick days [1].") {
		t.Errorf("output missing streamed answer:\n%s", got)
	}
	if !strings.Contains(got, "[1] handbook.pdf, page 4") {
		t.Errorf("output missing sources:\n%s", got)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["session_id"] != "s1" || body["message"] != "What is the sick leave policy?" {
		t.Errorf("body = %v", body)
	}
}

func TestStreamAnswer_ErrorEvent(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat/stream": sse(
			sseEvent("route", map[string]any{"routes": []string{"database"}}),
			sseEvent("error", map[string]any{
				"error":       map[string]string{"message": "all selected routes failed", "type": "route_failure"},
				"diagnostics": []map[string]string{{"route": "database", "kind": "mutation_rejected", "message": "rejected"}},
			}),
		),
	})

	var out bytes.Buffer
	err := streamAnswer(ctx, ts.client(), &out, "s1", "drop the employees table")
	if err == nil || err.Error() != "all selected routes failed" {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamAnswer_HTTPError(t *testing.T) {
	ts := newTestServer(t, map[string]string{})

	err := ts.client().Stream(ctx, "missing", "hello", func(api.StreamEvent) error { return nil })
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "session not found") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestUpload(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /upload-pdf": `{"document_id":"doc-1","filename":"handbook.pdf","chunks":3,"status":"pending"}`,
	})
	path := filepath.Join(t.TempDir(), "handbook.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4 fake"), 0o644); err != nil {
		t.Fatal(err)
	}

	resp, err := ts.client().upload(ctx, "/upload-pdf", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var doc map[string]any
	if err := decodeJSON(resp, &doc); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if doc["document_id"] != "doc-1" {
		t.Errorf("doc = %v", doc)
	}

	r := ts.requests[0]
	if !strings.HasPrefix(r.ContentType, "multipart/form-data") {
		t.Errorf("content type = %q", r.ContentType)
	}
	if !strings.Contains(r.Body, `filename="handbook.pdf"`) || !strings.Contains(r.Body, "%PDF-1.4 fake") {
		t.Errorf("multipart body missing file part:\n%s", r.Body)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	_, err := ts.client().upload(ctx, "/upload-pdf", filepath.Join(t.TempDir(), "nope.pdf"))
	if err == nil || !strings.Contains(err.Error(), "reading file") {
		t.Fatalf("err = %v", err)
	}
	if len(ts.requests) != 0 {
		t.Errorf("expected no request, got %d", len(ts.requests))
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"error":{"message":"mutation rejected: statement contains DELETE","type":"permission_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.post(ctx, "/query/sql", map[string]string{"query": "DELETE FROM employees"})
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 403 response")
	}
	want := "server returned 403 (permission_error): mutation rejected: statement contains DELETE"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		w.Write([]byte("bad gateway\n"))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, httpClient: ts.Client()}
	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	err = decodeJSON(resp, new(any))
	if err == nil || err.Error() != "server returned 502: bad gateway" {
		t.Errorf("err = %v", err)
	}
}

func TestAskCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"ask"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing question")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention args", err.Error())
	}
}

func TestSeedCommand(t *testing.T) {
	defer rootCmd.SetArgs(nil)
	path := filepath.Join(t.TempDir(), "hr.db")

	rootCmd.SetArgs([]string{"seed", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("seed: %v", err)
	}

	src, err := sqldb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer src.Close()

	var n int
	if err := src.DB().QueryRow(`SELECT COUNT(*) FROM employees`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n == 0 {
		t.Error("expected seeded employees")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("GENIE_DOTENV_TEST=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("GENIE_DOTENV_TEST") })

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("GENIE_DOTENV_TEST"); got != "from-file" {
		t.Errorf("GENIE_DOTENV_TEST = %q", got)
	}

	if err := loadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestPrintRows(t *testing.T) {
	var buf bytes.Buffer
	err := printRows(&buf, []string{"department", "headcount", "avg_salary"}, []map[string]any{
		{"department": "Engineering", "headcount": float64(5), "avg_salary": 101250.5},
		{"department": "Sales", "headcount": float64(3), "avg_salary": nil},
	})
	if err != nil {
		t.Fatalf("printRows: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "department") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "101250.50") || !strings.Contains(lines[1], "5 ") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "NULL") {
		t.Errorf("row 2 = %q", lines[2])
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4000
	cfg.Ollama.FastModel = "phi3.5"

	keys := config.ShowAll(cfg)
	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4000" {
			found = true
		}
		if k.Key == "openai.api_key" {
			t.Error("secret key must not be listed")
		}
	}
	if !found {
		t.Error("expected to find server.port=4000 in ShowAll output")
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(3, 100); got != "3" {
		t.Errorf("countLabel(3) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100) = %q", got)
	}
}

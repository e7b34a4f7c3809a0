package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/masahif/grimoire/internal/config"
	"github.com/masahif/grimoire/internal/pipeline"
	"github.com/masahif/grimoire/internal/vectorindex"
)

func init() {
	silenceLogs()
}

// silenceLogs discards slog output; buildApp replaces the default logger
func silenceLogs() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const articleHTML = `<html><head><title>Retry Pipelines</title></head><body>
<p>Pipelines move every page through download, summarize and vectorize stages.</p>
<p>A failed pipelines stage is retried from the stage after the last success.</p>
<p>Retry keeps the work that already succeeded, so pipelines stay cheap to resume.</p>
</body></html>`

// testSite serves one article and a page whose status is switchable
func testSite(t *testing.T) (*httptest.Server, *atomic.Bool) {
	t.Helper()
	flakyUp := &atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(articleHTML))
		case "/flaky":
			if !flakyUp.Load() {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(articleHTML))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server, flakyUp
}

// offlineConfig points viper at a temp workspace using only local collaborators
func offlineConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	if err := setDefaults(viper.GetViper(), config.DefaultConfig()); err != nil {
		t.Fatalf("setDefaults failed: %v", err)
	}
	dir := t.TempDir()
	viper.Set("database_path", filepath.Join(dir, "db", "grimoire.db"))
	viper.Set("data_dir", filepath.Join(dir, "data"))
	viper.Set("log.level", "error")
	viper.Set("log.console", false)
	viper.Set("log.file_path", filepath.Join(dir, "grimoire.log"))
	viper.Set("reader.provider", config.ReaderDirect)
	viper.Set("reader.respect_robots", false)
	viper.Set("reader.request_delay", 100*time.Millisecond)
	viper.Set("llm.provider", config.LLMFrequency)
	viper.Set("embedder.provider", config.EmbedderHashing)
	viper.Set("vector_index.provider", config.IndexMemory)
	viper.Set("pipeline.retry_delay", time.Millisecond)

	t.Cleanup(silenceLogs)
}

// runCommand runs fn as if invoked through cmd with the given flag values
func runCommand(t *testing.T, cmd *cobra.Command, fn func(*cobra.Command, []string) error, args []string, flags map[string]string) (string, error) {
	t.Helper()
	for name, value := range flags {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("Failed to set flag %s: %v", name, err)
		}
	}
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd.SetContext(ctx)

	err := fn(cmd, args)
	return buf.String(), err
}

func newSubmitCmd() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().String("memo", "", "")
	return c
}

func newListCmd() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().String("status", "", "")
	c.Flags().Int("limit", 20, "")
	c.Flags().Int("offset", 0, "")
	return c
}

func newRetryFailedCmd() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().Int("max", -1, "")
	c.Flags().Duration("delay", -1, "")
	return c
}

func newReprocessCmd() *cobra.Command {
	c := &cobra.Command{}
	c.Flags().String("from", "auto", "")
	return c
}

func TestSubmitStatusAndList(t *testing.T) {
	offlineConfig(t)
	server, _ := testSite(t)
	articleURL := server.URL + "/article"

	out, err := runCommand(t, newSubmitCmd(), runSubmit, []string{articleURL}, map[string]string{"memo": "reading list"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(out, "accepted") || !strings.Contains(out, "Page 1: completed") {
		t.Errorf("Unexpected submit output:\n%s", out)
	}
	if !strings.Contains(out, "Memo:      reading list") {
		t.Errorf("Expected memo in output:\n%s", out)
	}

	out, err = runCommand(t, newSubmitCmd(), runSubmit, []string{articleURL}, nil)
	if err != nil {
		t.Fatalf("second submit failed: %v", err)
	}
	if !strings.Contains(out, "already_exists") {
		t.Errorf("Expected duplicate submission to be reported, got:\n%s", out)
	}

	out, err = runCommand(t, &cobra.Command{}, runStatus, []string{"1"}, nil)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Title:     Retry Pipelines", "Last step: completed", "Keywords:", "pipelines"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected status output to contain %q:\n%s", want, out)
		}
	}

	out, err = runCommand(t, newListCmd(), runList, nil, map[string]string{"status": "completed"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, articleURL) {
		t.Errorf("Expected completed page in list:\n%s", out)
	}
	if !strings.Contains(out, "1 of 1 pages shown") {
		t.Errorf("Expected page total in list:\n%s", out)
	}

	out, err = runCommand(t, newListCmd(), runList, nil, map[string]string{"status": "failed"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if strings.Contains(out, articleURL) {
		t.Errorf("Expected no failed pages:\n%s", out)
	}
	if !strings.Contains(out, "0 of 1 pages shown") {
		t.Errorf("Expected page total in list:\n%s", out)
	}
}

func TestSubmitInvalidURL(t *testing.T) {
	offlineConfig(t)

	out, err := runCommand(t, newSubmitCmd(), runSubmit, []string{"ftp://example.com/file"}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("Expected per-URL error, got:\n%s", out)
	}
}

func TestRetryResumesFailedPage(t *testing.T) {
	offlineConfig(t)
	server, flakyUp := testSite(t)
	flakyURL := server.URL + "/flaky"

	out, err := runCommand(t, newSubmitCmd(), runSubmit, []string{flakyURL}, nil)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !strings.Contains(out, "Page 1: failed") || !strings.Contains(out, "HTTP 503") {
		t.Errorf("Expected failed download, got:\n%s", out)
	}

	// Still down: the retry runs and fails again
	out, err = runCommand(t, &cobra.Command{}, runRetry, []string{"1"}, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !strings.Contains(out, "resumed from download") || !strings.Contains(out, "failed:") {
		t.Errorf("Unexpected retry output:\n%s", out)
	}

	flakyUp.Store(true)
	out, err = runCommand(t, newRetryFailedCmd(), runRetryFailed, nil, map[string]string{"max": "0"})
	if err != nil {
		t.Fatalf("retry-failed failed: %v", err)
	}
	if !strings.Contains(out, "Failed pages: 1") || !strings.Contains(out, "Recovered:    1") {
		t.Errorf("Unexpected retry-failed output:\n%s", out)
	}

	out, err = runCommand(t, &cobra.Command{}, runRetry, []string{"1"}, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !strings.Contains(out, "has not failed") {
		t.Errorf("Expected completed page to be left alone, got:\n%s", out)
	}
}

func TestReprocess(t *testing.T) {
	offlineConfig(t)
	server, _ := testSite(t)

	if _, err := runCommand(t, newSubmitCmd(), runSubmit, []string{server.URL + "/article"}, nil); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	out, err := runCommand(t, newReprocessCmd(), runReprocess, []string{"1"}, map[string]string{"from": "llm"})
	if err != nil {
		t.Fatalf("reprocess failed: %v", err)
	}
	if !strings.Contains(out, "resumed from llm") || !strings.Contains(out, "completed") {
		t.Errorf("Unexpected reprocess output:\n%s", out)
	}

	_, err = runCommand(t, newReprocessCmd(), runReprocess, []string{"1"}, map[string]string{"from": "summarize"})
	if err == nil {
		t.Error("Expected error for unknown stage")
	}

	_, err = runCommand(t, newReprocessCmd(), runReprocess, []string{"42"}, nil)
	if err == nil {
		t.Error("Expected error for missing page")
	}
}

func TestStatusErrors(t *testing.T) {
	offlineConfig(t)

	tests := []struct {
		name string
		arg  string
	}{
		{"not a number", "abc"},
		{"zero", "0"},
		{"missing page", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runCommand(t, &cobra.Command{}, runStatus, []string{tt.arg}, nil); err == nil {
				t.Errorf("Expected error for %q", tt.arg)
			}
		})
	}

	if _, err := runCommand(t, newListCmd(), runList, nil, map[string]string{"status": "stuck"}); err == nil {
		t.Error("Expected error for unknown status filter")
	}
}

func TestHealth(t *testing.T) {
	t.Run("memory index", func(t *testing.T) {
		offlineConfig(t)

		out, err := runCommand(t, &cobra.Command{}, runHealth, nil, nil)
		if err != nil {
			t.Fatalf("health failed: %v", err)
		}
		for _, want := range []string{"database: ok (0 pages)", "vector_index (memory): ok"} {
			if !strings.Contains(out, want) {
				t.Errorf("Expected health output to contain %q:\n%s", want, out)
			}
		}
	})

	t.Run("unreachable qdrant", func(t *testing.T) {
		offlineConfig(t)
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer down.Close()
		viper.Set("vector_index.provider", config.IndexQdrant)
		viper.Set("vector_index.url", down.URL)

		out, err := runCommand(t, &cobra.Command{}, runHealth, nil, nil)
		if err == nil {
			t.Fatal("Expected health to fail when Qdrant is unavailable")
		}
		if !strings.Contains(out, "database: ok") || strings.Contains(out, "vector_index (qdrant): ok") {
			t.Errorf("Unexpected health output:\n%s", out)
		}
	})
}

func TestBuildAppSearch(t *testing.T) {
	offlineConfig(t)
	server, _ := testSite(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	a, err := buildApp(cfg, modeRun)
	if err != nil {
		t.Fatalf("buildApp failed: %v", err)
	}
	defer a.close()

	ctx := context.Background()
	res, err := a.pipeline.Orchestrator.Submit(ctx, server.URL+"/article", "")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	a.pipeline.Orchestrator.Wait()

	ps, err := a.pipeline.Status.Status(ctx, res.PageID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if ps.Status != pipeline.StatusCompleted {
		t.Fatalf("Expected completed page, got %s (%s)", ps.Status, ps.LastError)
	}

	for _, mode := range []vectorindex.Mode{vectorindex.ModeSemantic, vectorindex.ModeKeyword} {
		hits, err := a.index.Search(ctx, vectorindex.Query{Text: "retry pipelines", Mode: mode})
		if err != nil {
			t.Fatalf("%s search failed: %v", mode, err)
		}
		if len(hits) == 0 || hits[0].Record.PageID != res.PageID {
			t.Errorf("%s search: expected hits for page %d, got %+v", mode, res.PageID, hits)
		}
	}
}

func TestBuildAppRequiresKeys(t *testing.T) {
	offlineConfig(t)
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	cfg.LLM.Provider = config.LLMOpenAI

	// Reading records needs no collaborators
	a, err := buildApp(cfg, modeRead)
	if err != nil {
		t.Fatalf("buildApp(read) failed: %v", err)
	}
	a.close()

	if _, err := buildApp(cfg, modeRun); err == nil {
		t.Error("Expected error when the chat summarizer has no API key")
	}
}

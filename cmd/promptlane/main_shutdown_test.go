package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/promptlane/delivery/internal/catalog"
	"github.com/promptlane/delivery/internal/servelog"
)

func TestRunServeFlushesQueuedRecordsOnShutdown(t *testing.T) {
	port := freeTCPPort(t)
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "promptlane.db")
	configPath := filepath.Join(tmpDir, "promptlane.yaml")
	configBody := fmt.Sprintf(`server:
  host: 127.0.0.1
  port: %d
storage:
  driver: sqlite
  path: %q
`, port, dbPath)
	if err := os.WriteFile(configPath, []byte(configBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	// Seed one prompt with a production version before the server opens the
	// database.
	seedStore, err := catalog.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	prompt, err := seedStore.CreatePrompt(context.Background(), catalog.Prompt{
		WorkspaceID: "workspace-1",
		OwnerKey:    "pk-test",
		Slug:        "welcome",
		Name:        "Welcome",
	})
	if err != nil {
		t.Fatalf("CreatePrompt() error: %v", err)
	}
	if _, err := seedStore.CreateVersion(context.Background(), catalog.Version{
		PromptID:      prompt.ID,
		VersionNumber: 1,
		Status:        catalog.VersionStatusProduction,
		Payload:       `{"subject":"Welcome!"}`,
	}); err != nil {
		t.Fatalf("CreateVersion() error: %v", err)
	}
	if err := seedStore.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}

	originalSignalNotifyContext := signalNotifyContext
	t.Cleanup(func() {
		signalNotifyContext = originalSignalNotifyContext
	})

	shutdownCtx, shutdown := context.WithCancel(context.Background())
	t.Cleanup(shutdown)
	signalNotifyContext = func(_ context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return shutdownCtx, func() {}
	}

	exitCodeCh := make(chan int, 1)
	go func() {
		exitCodeCh <- runServe([]string{"--config", configPath})
	}()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	waitForHTTPReady(t, baseURL+"/api/health")

	resp, err := http.Get(baseURL + "/api/resolve?owner_key=pk-test&content_key=welcome&source=checkout")
	if err != nil {
		t.Fatalf("resolve request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve status=%d body=%s, want %d", resp.StatusCode, body, http.StatusOK)
	}
	var resolved struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(body, &resolved); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if resolved.TraceID == "" {
		t.Fatal("resolve response missing trace_id")
	}

	shutdown()

	select {
	case code := <-exitCodeCh:
		if code != 0 {
			t.Fatalf("runServe exit code=%d, want 0", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for runServe shutdown")
	}

	// The queued request log record must survive shutdown.
	logStore, err := servelog.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open log store: %v", err)
	}
	defer logStore.Close()

	records, err := logStore.QueryRecords(context.Background(), servelog.RecordFilter{TraceID: resolved.TraceID})
	if err != nil {
		t.Fatalf("QueryRecords() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("persisted record count=%d, want 1", len(records))
	}
	if records[0].PromptID != prompt.ID {
		t.Fatalf("record prompt=%s, want %s", records[0].PromptID, prompt.ID)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen for free port: %v", err)
	}
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener addr type %T", listener.Addr())
	}
	return addr.Port
}

func waitForHTTPReady(t *testing.T, url string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for HTTP server at %s", url)
}

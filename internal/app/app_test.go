package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

// unsetEnv はテスト終了時に元の値へ戻るようにしたうえで環境変数を削除する。
// godotenvは既存の変数を上書きしないため、.envの読み込みを検証する前に使う。
func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeDotEnv(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Chdir(dir)
	return dir
}

func TestInit_WithoutDotEnv_UsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetEnv(t, "DATA_DIR", "MAPPINGS_FILE", "MAX_CONCURRENT_MAPPINGS", "LOG_LEVEL")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}

	// グローバルロガーがJSON出力に設定されていること
	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_LoadsDotEnv(t *testing.T) {
	writeDotEnv(t, "DATA_DIR=/srv/relay\nWEBHOOK_URL=http://chat.internal/hook\n")
	unsetEnv(t, "DATA_DIR", "MAPPINGS_FILE", "WEBHOOK_URL")

	cfg, err := Init(&bytes.Buffer{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DataDir != "/srv/relay" {
		t.Errorf("DataDir = %q, want /srv/relay", cfg.DataDir)
	}
	if cfg.MappingsFile != filepath.Join("/srv/relay", "mappings.yaml") {
		t.Errorf("MappingsFile = %q", cfg.MappingsFile)
	}
	if cfg.WebhookURL != "http://chat.internal/hook" {
		t.Errorf("WebhookURL = %q", cfg.WebhookURL)
	}
}

// TestInit_EnvironmentOverridesDotEnv は既存の環境変数が.envより優先されることを検証する。
func TestInit_EnvironmentOverridesDotEnv(t *testing.T) {
	writeDotEnv(t, "DATA_DIR=/from-file\n")
	t.Setenv("DATA_DIR", "/from-env")

	cfg, err := Init(&bytes.Buffer{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DataDir != "/from-env" {
		t.Errorf("DataDir = %q, want /from-env", cfg.DataDir)
	}
}

func TestInit_OutOfRange_ReturnsError(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_CONCURRENT_MAPPINGS", "0")

	cfg, err := Init(&bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error for out-of-range MAX_CONCURRENT_MAPPINGS, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestRun_WorkerRequiresWebhookURL(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetEnv(t, "WEBHOOK_URL")

	if err := Run(&bytes.Buffer{}, []string{"worker"}); err == nil {
		t.Fatal("WEBHOOK_URL未設定のworkerはエラーになるべき")
	}
}

func TestRun_MigrateRequiresDatabase(t *testing.T) {
	t.Chdir(t.TempDir())
	unsetEnv(t, "DATABASE_URL")

	if err := Run(&bytes.Buffer{}, []string{"migrate"}); err == nil {
		t.Fatal("DATABASE_URL未設定のmigrateはエラーになるべき")
	}
}

func TestRunHealthcheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"正常", http.StatusOK, false},
		{"異常", http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/health" {
					t.Errorf("path = %q, want /health", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			u, _ := url.Parse(ts.URL)
			err := runHealthcheck(u.Port())
			if (err != nil) != tt.wantErr {
				t.Errorf("runHealthcheck() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	got := maskDatabaseURL("postgres://user:secret@db:5432/feedrelay")
	if got != "postgres://u***@..." {
		t.Errorf("maskDatabaseURL = %q", got)
	}
	if got := maskDatabaseURL("short"); got != "***" {
		t.Errorf("maskDatabaseURL(short) = %q, want ***", got)
	}
}

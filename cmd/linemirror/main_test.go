package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/linemirror/internal/config"
	"github.com/agentworkforce/linemirror/internal/linemirror"
)

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestSignCommandProducesVerifiableHeader(t *testing.T) {
	secret := base64.StdEncoding.EncodeToString([]byte("cli-secret"))
	body := []byte(`{"type":"message.received"}`)
	bodyFile := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(bodyFile, body, 0o644); err != nil {
		t.Fatalf("write body: %v", err)
	}

	stdout, _, err := runCommand(t, "sign", "--secret", secret, "--timestamp", "1714557600000", bodyFile)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	header := strings.TrimSpace(stdout)
	if !strings.HasPrefix(header, "hmac;1;1714557600000;") {
		t.Fatalf("unexpected header %q", header)
	}
	if err := linemirror.VerifySignature(header, body, secret); err != nil {
		t.Fatalf("header does not verify: %v", err)
	}
}

func TestSignCommandRequiresSecret(t *testing.T) {
	bodyFile := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(bodyFile, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if _, _, err := runCommand(t, "sign", "--secret", "", bodyFile); err == nil {
		t.Fatalf("expected an error without a secret")
	}
}

func TestRootRejectsUnknownLogFormat(t *testing.T) {
	if _, _, err := runCommand(t, "--log-format", "xml", "sign", "-"); err == nil {
		t.Fatalf("expected invalid log format to fail")
	}
}

func TestBackfillCommandReconcilesConversation(t *testing.T) {
	history := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key_123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"m1","from":"+15550001","to":["+15550002"],"direction":"incoming","text":"from history","createdAt":"` +
			time.Now().Add(-time.Hour).UTC().Format(time.RFC3339) + `"}]}`))
	}))
	defer history.Close()

	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	store, err := linemirror.OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.MergeConversation(ctx, linemirror.ConversationPatch{
		ID:             "c1",
		PhoneNumberID:  "PN1",
		Participants:   []string{"+15550001"},
		ParticipantSet: linemirror.ParticipantsReplace,
		LastActivityAt: time.Now().Add(-2 * time.Hour),
	}); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if err := store.SetCredential(ctx, "user-1", "key_123"); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	t.Setenv("LINEMIRROR_STORE_DSN", "sqlite://"+dbPath)
	t.Setenv("LINEMIRROR_HISTORY_BASE_URL", history.URL)
	t.Setenv("LINEMIRROR_REDIS_URL", "")

	stdout, stderr, err := runCommand(t, "backfill", "c1", "--user", "user-1")
	if err != nil {
		t.Fatalf("backfill failed: %v (%s)", err, stderr)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report %q: %v", stdout, err)
	}
	if report["inserted"] != float64(1) || report["conversationId"] != "c1" {
		t.Fatalf("unexpected report %v", report)
	}
	if _, ok := report["fetchError"]; ok {
		t.Fatalf("unexpected fetch error in report %v", report)
	}

	reopened, err := linemirror.OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	msg, err := reopened.GetMessage(ctx, "c1", "m1")
	if err != nil {
		t.Fatalf("expected backfilled message: %v", err)
	}
	if msg.Text != "from history" {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestSyncConversationsCommandStoresNames(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/conversations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"c9","name":"Billing","phoneNumberId":"PN9","participants":["+15550009"],"lastActivityAt":"` +
			time.Now().Add(-time.Hour).UTC().Format(time.RFC3339) + `"}]}`))
	}))
	defer provider.Close()

	dbPath := filepath.Join(t.TempDir(), "mirror.db")
	store, err := linemirror.OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ctx := context.Background()
	if err := store.SetCredential(ctx, "user-1", "key_123"); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	t.Setenv("LINEMIRROR_STORE_DSN", "sqlite://"+dbPath)
	t.Setenv("LINEMIRROR_HISTORY_BASE_URL", provider.URL)
	t.Setenv("LINEMIRROR_REDIS_URL", "")

	stdout, stderr, err := runCommand(t, "sync-conversations", "--user", "user-1")
	if err != nil {
		t.Fatalf("sync failed: %v (%s)", err, stderr)
	}
	if !strings.Contains(stdout, `"merged": 1`) {
		t.Fatalf("unexpected report %s", stdout)
	}

	reopened, err := linemirror.OpenSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	conv, err := reopened.GetConversation(ctx, "c9")
	if err != nil {
		t.Fatalf("expected synced conversation: %v", err)
	}
	if conv.Name != "Billing" || conv.PhoneNumberID != "PN9" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}

func TestBackfillCommandRequiresUser(t *testing.T) {
	t.Setenv("LINEMIRROR_STORE_DSN", "memory://")
	if _, _, err := runCommand(t, "backfill", "c1"); err == nil {
		t.Fatalf("expected missing --user to fail")
	}
}

func TestWorkerRequiresRedis(t *testing.T) {
	t.Setenv("LINEMIRROR_STORE_DSN", "memory://")
	t.Setenv("LINEMIRROR_REDIS_URL", "")
	_, _, err := runCommand(t, "worker")
	if err == nil || !strings.Contains(err.Error(), "LINEMIRROR_REDIS_URL") {
		t.Fatalf("expected redis url error, got %v", err)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&rootOptions{logFormat: "json"}, &buf)
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug should be off without --verbose")
	}
	verbose := newLogger(&rootOptions{logFormat: "text", verbose: true}, &buf)
	if !verbose.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug should be on with --verbose")
	}
}

func TestStoreScheme(t *testing.T) {
	cases := map[string]string{
		"memory://":            "memory",
		"postgres://db/mirror": "postgres",
		"data/mirror.db":       "file",
	}
	for dsn, want := range cases {
		if got := storeScheme(dsn); got != want {
			t.Fatalf("storeScheme(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestStartupWarnings(t *testing.T) {
	warnings := startupWarnings(config.Config{JWTSecret: config.DefaultJWTSecret}, linemirror.StaticSecret(""))
	if len(warnings) != 2 {
		t.Fatalf("expected two warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[1], "LINEMIRROR_JWT_SECRET") {
		t.Fatalf("unexpected jwt warning %q", warnings[1])
	}

	warnings = startupWarnings(config.Config{JWTSecret: "prod-secret"}, linemirror.StaticSecret("c2VjcmV0"))
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}
}

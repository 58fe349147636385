package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fpang/topic-explorer/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithEnvGenerationURL(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("GENERATION_URL", "https://gen.example.com/generate")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(tempHome, ".config", "topic-explorer", "config.toml") {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Store.Backend != config.BackendBadger {
		t.Fatalf("expected badger backend by default, got %q", cfg.Store.Backend)
	}
	wantBadger := filepath.Join(tempHome, ".local", "share", "topic-explorer", "sessions")
	if cfg.Store.BadgerPath != wantBadger {
		t.Fatalf("unexpected badger path: got %q want %q", cfg.Store.BadgerPath, wantBadger)
	}
	if !cfg.Jobs.FollowResults {
		t.Fatal("expected follow_results on by default")
	}
	if cfg.JobTimeout().Minutes() != 10 {
		t.Fatalf("unexpected job timeout: %v", cfg.JobTimeout())
	}
	if len(cfg.Cache.Keys) != 1 || cfg.Cache.Keys[0] != "Binary Search Trees" {
		t.Fatalf("unexpected cache keys: %v", cfg.Cache.Keys)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := writeConfig(t, `
[store]
backend = "Redis"
redis_addr = "file:6379"

[cache]
keys = [" Binary Search Trees ", "", "Ancient Rome"]
prefix = "trees"

[generation]
lambda_arn = "arn:aws:lambda:us-east-1:123:function:generate"
mode = "FAST"

[jobs]
follow_results = false
`)
	t.Setenv("REDIS_ADDR", "env:6379")

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Store.Backend != config.BackendRedis {
		t.Fatalf("expected normalized redis backend, got %q", cfg.Store.Backend)
	}
	if cfg.Store.RedisAddr != "env:6379" {
		t.Fatalf("expected env to override file, got %q", cfg.Store.RedisAddr)
	}
	if cfg.Generation.Mode != "fast" {
		t.Fatalf("expected mode fast, got %q", cfg.Generation.Mode)
	}
	if cfg.Cache.Prefix != "trees/" {
		t.Fatalf("expected prefix with slash, got %q", cfg.Cache.Prefix)
	}
	if strings.Join(cfg.Cache.Keys, "|") != "Binary Search Trees|Ancient Rome" {
		t.Fatalf("unexpected keys: %v", cfg.Cache.Keys)
	}
	if cfg.Jobs.FollowResults {
		t.Fatal("expected follow_results off from file")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GENERATION_URL", "")
	t.Setenv("GENERATION_LAMBDA_ARN", "")
	tests := map[string]string{
		"no generation":   "[store]\nbackend = \"memory\"\n",
		"unknown backend": "[store]\nbackend = \"sqlite\"\n[generation]\nurl = \"http://x\"\n",
		"dynamo no table": "[store]\nbackend = \"dynamo\"\n[generation]\nurl = \"http://x\"\n",
		"bad mode":        "[store]\nbackend = \"memory\"\n[generation]\nurl = \"http://x\"\nmode = \"slow\"\n",
		"unknown field":   "[store]\nbackend = \"memory\"\nflavour = 1\n[generation]\nurl = \"http://x\"\n",
		"zero timeout":    "[store]\nbackend = \"memory\"\n[generation]\nurl = \"http://x\"\n[jobs]\ntimeout_seconds = 0\n",
		"shared memory":   "[store]\nbackend = \"memory\"\nshared = true\n[generation]\nurl = \"http://x\"\n",
		"worker unshared": "[store]\nbackend = \"memory\"\n[generation]\nurl = \"http://x\"\n[jobs]\nworker_lambda_arn = \"arn:w\"\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, _, err := config.Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadSharedStoreWithWorker(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("STORE_BACKEND", "dynamo")
	t.Setenv("DYNAMO_TABLE_NAME", "explorer-sessions")
	t.Setenv("STORE_SHARED", "true")
	t.Setenv("WORKER_LAMBDA_ARN", "arn:aws:lambda:us-east-1:123:function:explorer-worker")
	t.Setenv("GENERATION_LAMBDA_ARN", "arn:aws:lambda:us-east-1:123:function:generate")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !cfg.Store.Shared {
		t.Error("expected shared store from STORE_SHARED")
	}
	if cfg.Jobs.WorkerLambdaARN != "arn:aws:lambda:us-east-1:123:function:explorer-worker" {
		t.Errorf("expected worker ARN from env, got %q", cfg.Jobs.WorkerLambdaARN)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, _, _, err := config.Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestMarshalRedactsSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Generation.APIKey = "sk-secret"
	cfg.Server.OriginVerifySecret = "cdn-secret"

	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(data), "sk-secret") || strings.Contains(string(data), "cdn-secret") {
		t.Fatalf("secrets leaked: %s", data)
	}
	if cfg.Generation.APIKey != "sk-secret" {
		t.Fatal("Marshal must not modify the config")
	}
}

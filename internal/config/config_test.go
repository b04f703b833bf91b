package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Recognition.MaxConcurrentRequests != 2 {
		t.Fatalf("expected default concurrency bound 2, got %d", cfg.Recognition.MaxConcurrentRequests)
	}
	if cfg.Recognition.ConfidenceThreshold != 0.5 {
		t.Fatalf("expected default confidence threshold 0.5, got %v", cfg.Recognition.ConfidenceThreshold)
	}
	if cfg.Recognition.Weights.Raw != 0.40 {
		t.Fatalf("expected default raw weight 0.40, got %v", cfg.Recognition.Weights.Raw)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TILAWA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("TILAWA_BUS_USERNAME", "alice")
	t.Setenv("TILAWA_BUS_PASSWORD", "secret")
	t.Setenv("TILAWA_DEVICE_ID", "test-node")
	t.Setenv("TILAWA_CAPTURE_ENABLED", "true")
	t.Setenv("TILAWA_CAPTURE_INTERVAL_MS", "2500")
	t.Setenv("TILAWA_RECOGNITION_MAX_CONCURRENT_REQUESTS", "4")
	t.Setenv("TILAWA_RECOGNITION_CONFIDENCE_THRESHOLD", "0.75")
	t.Setenv("TILAWA_RECOGNITION_SESSION_MAX_MS", "20000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Device.ID != "test-node" {
		t.Fatalf("expected device id override")
	}
	if !cfg.Capture.Enabled || cfg.Capture.IntervalMS != 2500 {
		t.Fatalf("expected capture overrides, got %+v", cfg.Capture)
	}
	if cfg.Recognition.MaxConcurrentRequests != 4 {
		t.Fatalf("expected concurrency override, got %d", cfg.Recognition.MaxConcurrentRequests)
	}
	if cfg.Recognition.ConfidenceThreshold != 0.75 {
		t.Fatalf("expected threshold override, got %v", cfg.Recognition.ConfidenceThreshold)
	}
	if cfg.Recognition.SessionMaxMS != 20000 {
		t.Fatalf("expected session cap override, got %d", cfg.Recognition.SessionMaxMS)
	}
}

func TestValidateRejectsBadRecognition(t *testing.T) {
	t.Setenv("TILAWA_RECOGNITION_CONFIDENCE_THRESHOLD", "1.5")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for out-of-range threshold")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("TILAWA_CLASSIFIER_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for exec classifier without command")
	}
}

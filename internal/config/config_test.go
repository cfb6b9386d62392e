package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	// Set some test environment variables
	if err := os.Setenv("SERVER_PORT", "9090"); err != nil {
		t.Fatalf("Failed to set SERVER_PORT: %v", err)
	}
	if err := os.Setenv("POSTGRES_HOST", "testhost"); err != nil {
		t.Fatalf("Failed to set POSTGRES_HOST: %v", err)
	}
	if err := os.Setenv("CIRCLEPOOL_CONTRACT", "0x00000000000000000000000000000000004b3f2e"); err != nil {
		t.Fatalf("Failed to set CIRCLEPOOL_CONTRACT: %v", err)
	}
	if err := os.Setenv("RECONCILER_PAYDATE_BUFFER", "3m"); err != nil {
		t.Fatalf("Failed to set RECONCILER_PAYDATE_BUFFER: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("SERVER_PORT")
		_ = os.Unsetenv("POSTGRES_HOST")
		_ = os.Unsetenv("CIRCLEPOOL_CONTRACT")
		_ = os.Unsetenv("RECONCILER_PAYDATE_BUFFER")
	}()

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %v, want %v", cfg.Server.Port, "9090")
	}

	if cfg.Database.Postgres.Host != "testhost" {
		t.Errorf("Database.Postgres.Host = %v, want %v", cfg.Database.Postgres.Host, "testhost")
	}

	if cfg.Reconciler.PayDateBuffer != 3*time.Minute {
		t.Errorf("Reconciler.PayDateBuffer = %v, want %v", cfg.Reconciler.PayDateBuffer, 3*time.Minute)
	}

	// Defaults survive when unset.
	if cfg.Reconciler.DriftTolerance != time.Minute {
		t.Errorf("Reconciler.DriftTolerance = %v, want %v", cfg.Reconciler.DriftTolerance, time.Minute)
	}
	if cfg.Chain.ChainID != 296 {
		t.Errorf("Chain.ChainID = %v, want 296", cfg.Chain.ChainID)
	}
}

func TestLoadConfig_MissingContractFails(t *testing.T) {
	if err := os.Unsetenv("CIRCLEPOOL_CONTRACT"); err != nil {
		t.Fatalf("Failed to unset CIRCLEPOOL_CONTRACT: %v", err)
	}

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() should fail without a contract address")
	}
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Chain: ChainConfig{
			ContractAddress: "0x00000000000000000000000000000000004b3f2e",
			RequestTimeout:  15 * time.Second,
			ConfirmTimeout:  90 * time.Second,
		},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	negative := &Config{
		Chain: ChainConfig{
			ContractAddress: "0x00000000000000000000000000000000004b3f2e",
			RequestTimeout:  15 * time.Second,
			ConfirmTimeout:  90 * time.Second,
		},
		Reconciler: ReconcilerConfig{PayDateBuffer: -time.Minute},
	}
	if err := negative.Validate(); err == nil {
		t.Error("Validate() should reject a negative pay date buffer")
	}
}

func TestGetEnvAsDuration(t *testing.T) {
	if err := os.Setenv("TEST_DURATION", "45s"); err != nil {
		t.Fatalf("Failed to set env var: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("TEST_DURATION")
	}()

	if got := getEnvAsDuration("TEST_DURATION", time.Minute); got != 45*time.Second {
		t.Errorf("getEnvAsDuration() = %v, want 45s", got)
	}
	if got := getEnvAsDuration("TEST_DURATION_MISSING", time.Minute); got != time.Minute {
		t.Errorf("getEnvAsDuration() default = %v, want 1m", got)
	}

	if err := os.Setenv("TEST_DURATION", "not-a-duration"); err != nil {
		t.Fatalf("Failed to set env var: %v", err)
	}
	if got := getEnvAsDuration("TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvAsDuration() on malformed value = %v, want default", got)
	}
}

func TestGetEnvAsInt(t *testing.T) {
	if err := os.Setenv("TEST_INT", "42"); err != nil {
		t.Fatalf("Failed to set env var: %v", err)
	}
	defer func() {
		_ = os.Unsetenv("TEST_INT")
	}()

	if got := getEnvAsInt("TEST_INT", 7); got != 42 {
		t.Errorf("getEnvAsInt() = %v, want 42", got)
	}
	if got := getEnvAsInt("TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("getEnvAsInt() default = %v, want 7", got)
	}
}

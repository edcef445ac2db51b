package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("recruitment.period", "21")
	configViper.Set("recruitment.year", "2025")
	configViper.Set("kafka.brokers", "kafka-1:9092, kafka-2:9092,")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Recruitment.Prefix != "CAANG" || !cfg.Recruitment.Open {
		t.Fatalf("unexpected recruitment defaults %+v", cfg.Recruitment)
	}
	if cfg.BatchLimit != 500 || cfg.ConflictEpsilon != time.Second {
		t.Fatalf("unexpected limits %d %s", cfg.BatchLimit, cfg.ConflictEpsilon)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.UploadsBaseURL != "http://0.0.0.0:8080/files/" {
		t.Fatalf("unexpected uploads base url %s", cfg.UploadsBaseURL)
	}
	if cfg.RoleCacheTTL != 30*time.Second {
		t.Fatalf("unexpected role cache ttl %s", cfg.RoleCacheTTL)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no credentialed origins by default, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadRejectsInvalidRecruitment(t *testing.T) {
	testCases := []struct {
		name   string
		period string
		year   string
		batch  int
	}{
		{"missing period", "", "2025", 500},
		{"short year", "21", "25", 500},
		{"batch above store limit", "21", "2025", 501},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			configViper.Set("recruitment.period", testCase.period)
			configViper.Set("recruitment.year", testCase.year)
			configViper.Set("store.batch_limit", testCase.batch)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPREC_TEST_DOTENV_VALUE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("OPREC_TEST_DOTENV_VALUE", "")
	os.Unsetenv("OPREC_TEST_DOTENV_VALUE")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("OPREC_TEST_DOTENV_VALUE"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

const minimalYAML = `
pools:
  - host: pool.example.com
    port: 3333
    username: worker.1
    password: x
`

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "minimal config",
			yaml:    minimalYAML,
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom tuning",
			yaml: minimalYAML,
			envVars: map[string]string{
				"SERVICE_NAME": "test-service",
				"API_PORT":     "9090",
				"FREQUENCY":    "600",
				"VOLTAGE":      "50",
			},
			wantErr: false,
		},
		{
			name: "invalid port",
			yaml: minimalYAML,
			envVars: map[string]string{
				"API_PORT": "99999",
			},
			wantErr: true,
		},
		{
			name: "frequency out of range",
			yaml: minimalYAML,
			envVars: map[string]string{
				"FREQUENCY": "1200",
			},
			wantErr: true,
		},
		{
			name:    "no pools",
			yaml:    "pools: []\n",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name:    "garbled yaml",
			yaml:    "pools: [unclosed\n",
			envVars: map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.yaml)
			t.Setenv("CONFIG_FILE", path)
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if len(cfg.Pools) == 0 {
					t.Error("Pools should not be empty")
				}
			}
		})
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	// A missing file is tolerated during merge, but the resulting empty
	// pool list fails validation
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail without any pools")
	}
}

func TestFileOverridesEnv(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+`
frequency: 700
voltage: 55
failover_policy: round_robin
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("FREQUENCY", "500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Frequency != 700 {
		t.Errorf("Frequency = %d, want file value 700", cfg.Frequency)
	}
	if cfg.Voltage != 55 {
		t.Errorf("Voltage = %d, want file value 55", cfg.Voltage)
	}
	if cfg.FailoverPolicy != "round_robin" {
		t.Errorf("FailoverPolicy = %q", cfg.FailoverPolicy)
	}
}

func TestPoolValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing host", "pools:\n  - port: 3333\n    username: w\n"},
		{"bad port", "pools:\n  - host: h\n    port: 0\n    username: w\n"},
		{"missing username", "pools:\n  - host: h\n    port: 3333\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", writeConfigFile(t, tt.yaml))
			if _, err := Load(); err == nil {
				t.Error("Load() should reject the pool entry")
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}

	t.Setenv("TEST_INT", "42")
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}
	if got := getEnvInt("NONEXISTENT", 99); got != 99 {
		t.Errorf("getEnvInt() = %v, want %v", got, 99)
	}

	t.Setenv("TEST_BOOL", "true")
	if got := getEnvBool("TEST_BOOL", false); !got {
		t.Error("getEnvBool() should parse true")
	}

	t.Setenv("TEST_DURATION", "30s")
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}
}

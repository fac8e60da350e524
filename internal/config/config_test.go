package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "./imagevault.db" {
		t.Fatalf("defaults = %+v", cfg.Storage)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("log level = %s", cfg.Logging.Level)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %s", cfg.Storage.Driver)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	doc := `
storage:
  driver: postgres
  postgres_dsn: postgres://db.internal/imagevault
  sidecar_path: /var/lib/imagevault/frames.sidecar
pixel_source:
  driver: s3
  s3_bucket: vault-pixels
  s3_region: eu-west-1
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.PostgresDSN != "postgres://db.internal/imagevault" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.SidecarPath != "/var/lib/imagevault/frames.sidecar" {
		t.Fatalf("sidecar path = %s", cfg.Storage.SidecarPath)
	}
	if cfg.PixelSource.Driver != "s3" || cfg.PixelSource.S3Bucket != "vault-pixels" {
		t.Fatalf("pixel source = %+v", cfg.PixelSource)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %s", cfg.Logging.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: sqlite\n  sqlite_path: from-file.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("IMAGEVAULT_SQLITE_PATH", "from-env.db")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.SQLitePath != "from-env.db" {
		t.Fatalf("env override lost: %s", cfg.Storage.SQLitePath)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"IMAGEVAULT_STORAGE_DRIVER": "dbase"}},
		{"postgres without dsn", map[string]string{"IMAGEVAULT_STORAGE_DRIVER": "postgres"}},
		{"s3 without bucket", map[string]string{"IMAGEVAULT_PIXELSOURCE_DRIVER": "s3"}},
		{"unknown pixel driver", map[string]string{"IMAGEVAULT_PIXELSOURCE_DRIVER": "tape"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Fatalf("invalid configuration accepted")
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.yaml")
	if err := os.WriteFile(path, []byte("storage: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("malformed yaml accepted")
	}
}

// Package config loads the settings of the certificate converter from an optional
// YAML file, the environment and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/L-maple/ocr/internal/gcp"
	"gopkg.in/yaml.v3"
)

// OCR backends.
const (
	BackendAliyun = "aliyun"
	BackendVertex = "vertex"
)

// Rasterizers.
const (
	RasterizerPoppler = "pdftoppm"
	RasterizerPDFCPU  = "pdfcpu"
)

// Config holds all settings of a run apart from the PDF and the credentials.
type Config struct {
	Backend          string        `yaml:"backend"`
	Endpoint         string        `yaml:"endpoint"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	Rasterizer       string        `yaml:"rasterizer"`
	DPI              int           `yaml:"dpi"`
	Concurrency      int           `yaml:"concurrency"`
	OCRRatePerSecond float64       `yaml:"ocr_rate_per_second"`
	CredentialsFile  string        `yaml:"credentials_file"`
	LockFile         string        `yaml:"lock_file"`
	SkipDuplicates   bool          `yaml:"skip_duplicates"`
	GCP              GCPConfig     `yaml:"gcp"`
}

// GCPConfig holds the Google Cloud settings used by the Vertex backend, the run
// ledger and the artifact archive.
type GCPConfig struct {
	ProjectID        string `yaml:"project_id"`
	Region           string `yaml:"region"`
	Model            string `yaml:"model"`
	Ledger           bool   `yaml:"ledger"`
	LedgerCollection string `yaml:"ledger_collection"`
	ArchiveBucket    string `yaml:"archive_bucket"`
}

// Default returns the built-in settings, with GCP values taken from the environment.
func Default() Config {
	return Config{
		Backend:        BackendAliyun,
		RequestTimeout: 30 * time.Second,
		Rasterizer:     RasterizerPoppler,
		DPI:            200,
		Concurrency:    1,
		GCP: GCPConfig{
			ProjectID:        gcp.GetEnv("PROJECT_ID", ""),
			Region:           gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
			Model:            gcp.GetEnv("VERTEX_AI_MODEL", gcp.DefaultCertificateModel),
			LedgerCollection: gcp.GetEnv("FIRESTORE_COLLECTION", "certificateRuns"),
			ArchiveBucket:    gcp.GetEnv("ARCHIVE_BUCKET", ""),
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the settings are usable together.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendAliyun:
	case BackendVertex:
		if c.GCP.ProjectID == "" || c.GCP.Region == "" {
			errs = append(errs, errors.New("vertex backend requires gcp.project_id and gcp.region"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown OCR backend %q", c.Backend))
	}
	switch c.Rasterizer {
	case RasterizerPoppler, RasterizerPDFCPU:
	default:
		errs = append(errs, fmt.Errorf("unknown rasterizer %q", c.Rasterizer))
	}
	if c.DPI < 0 {
		errs = append(errs, errors.New("dpi must not be negative"))
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("concurrency must not be negative"))
	}
	if c.OCRRatePerSecond < 0 {
		errs = append(errs, errors.New("ocr_rate_per_second must not be negative"))
	}
	if c.GCP.Ledger && c.GCP.ProjectID == "" {
		errs = append(errs, errors.New("ledger requires gcp.project_id"))
	}
	return errors.Join(errs...)
}

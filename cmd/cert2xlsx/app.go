package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/L-maple/ocr/internal/aliyun"
	"github.com/L-maple/ocr/internal/config"
	"github.com/L-maple/ocr/internal/gcp"
	"github.com/L-maple/ocr/internal/models"
	"github.com/L-maple/ocr/internal/services"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "cert2xlsx",
		Usage:   "convert scanned tax clearance certificate PDFs into spreadsheet rows",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "YAML settings file", EnvVars: []string{"TAXCERT_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "text or json", EnvVars: []string{"LOG_FORMAT"}},
		},
		Before: func(c *cli.Context) error {
			setupLogging(c.String("log-format"), c.String("log-level"))
			return nil
		},
		Commands: []*cli.Command{
			runCommand(),
			replayCommand(),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "OCR every page of a certificate PDF and append the tax lines to <pdf>.xlsx",
		ArgsUsage: "[pdf]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "pdf", Usage: "certificate PDF to convert"},
			&cli.StringFlag{Name: "access-key", Usage: "OCR access key (defaults to the stored one)", EnvVars: []string{"TAXCERT_ACCESS_KEY"}},
			&cli.StringFlag{Name: "access-secret", Usage: "OCR access secret (defaults to the stored one)", EnvVars: []string{"TAXCERT_ACCESS_SECRET"}},
			&cli.StringFlag{Name: "credentials-file", Usage: "where credentials are stored (default ~/.secret.json)", EnvVars: []string{"TAXCERT_CREDENTIALS_FILE"}},
			&cli.StringFlag{Name: "backend", Usage: "OCR backend: aliyun or vertex", EnvVars: []string{"TAXCERT_BACKEND"}},
			&cli.StringFlag{Name: "endpoint", Usage: "OCR endpoint override", EnvVars: []string{"TAXCERT_ENDPOINT"}},
			&cli.StringFlag{Name: "rasterizer", Usage: "pdftoppm or pdfcpu", EnvVars: []string{"TAXCERT_RASTERIZER"}},
			&cli.IntFlag{Name: "dpi", Usage: "render resolution for pdftoppm"},
			&cli.IntFlag{Name: "concurrency", Usage: "OCR requests in flight; rows are still written in page order"},
			&cli.Float64Flag{Name: "rate", Usage: "maximum OCR requests per second (0 = unlimited)"},
			&cli.BoolFlag{Name: "ledger", Usage: "record runs in Firestore and warn about PDFs seen before"},
			&cli.BoolFlag{Name: "skip-duplicates", Usage: "with --ledger, skip PDFs that were processed before"},
			&cli.StringFlag{Name: "archive-bucket", Usage: "upload the workbook and failed page images to this GCS bucket", EnvVars: []string{"ARCHIVE_BUCKET"}},
			&cli.StringFlag{Name: "project", Usage: "Google Cloud project", EnvVars: []string{"PROJECT_ID"}},
			&cli.StringFlag{Name: "region", Usage: "Vertex AI region", EnvVars: []string{"VERTEX_AI_REGION"}},
		},
		Action: runAction,
	}
}

func replayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "append the rows of a saved OCR response to the workbook of a PDF",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "response", Usage: "saved OCR response JSON", Required: true},
			&cli.StringFlag{Name: "pdf", Usage: "PDF whose workbook and sheet receive the rows", Required: true},
		},
		Action: replayAction,
	}
}

func replayAction(c *cli.Context) error {
	pdfPath := c.String("pdf")
	appender := services.NewSheetAppender("", slog.Default())
	n, err := services.Replay(c.Context, appender, c.String("response"), pdfPath)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	workbook, sheet := services.WorkbookPathFor(pdfPath), services.SheetNameFor(pdfPath)
	fmt.Fprintf(c.App.Writer, "Appended %d rows to %s (sheet %q).\n", n, workbook, sheet)

	header, err := services.ReadHeader(workbook, sheet)
	if err != nil {
		slog.Warn("Failed to read back sheet header.", "workbook", workbook, "error", err)
		return nil
	}
	if header.Committed() {
		fmt.Fprintf(c.App.Writer, "Columns: %s\n", strings.Join(header, ", "))
	}
	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	pdfPath := c.String("pdf")
	if pdfPath == "" {
		pdfPath = c.Args().First()
	}

	store := config.NewCredentialStore(cfg.CredentialsFile)
	stored, err := store.Load()
	if err != nil {
		slog.Warn("Ignoring unreadable credentials file.", "path", store.Path(), "error", err)
	}
	creds := config.Credentials{
		AccessKey:    firstNonEmpty(c.String("access-key"), stored.AccessKey),
		AccessSecret: firstNonEmpty(c.String("access-secret"), stored.AccessSecret),
	}.Trimmed()

	coordOpts := []services.CoordinatorOption{services.WithAppLock(cfg.LockFile)}
	if cfg.Backend == config.BackendVertex {
		// Vertex authenticates with application default credentials.
		creds = config.Credentials{AccessKey: cfg.GCP.ProjectID, AccessSecret: cfg.GCP.Region}
	} else {
		coordOpts = append(coordOpts, services.WithCredentialSaver(store))
	}

	pipeline, cleanup, err := buildPipeline(c.Context, cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer cleanup()

	coordinator := services.NewCoordinator(pipeline, coordOpts...)
	result, err := coordinator.Start(c.Context, pdfPath, creds)
	if err != nil {
		var pre *services.PreconditionError
		switch {
		case errors.Is(err, services.ErrRunInProgress):
			return cli.Exit("A conversion is already running.", 1)
		case errors.Is(err, services.ErrMissingCredentials):
			return cli.Exit("Enter both the access key and the access secret.", 1)
		case errors.As(err, &pre):
			return cli.Exit(pre.Error(), 1)
		}
		return cli.Exit(fmt.Sprintf("Conversion failed: %v", err), 1)
	}

	report(c.App.Writer, result)
	if result.Failures > 0 {
		return cli.Exit("", 2)
	}
	return nil
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("backend") {
		cfg.Backend = c.String("backend")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("rasterizer") {
		cfg.Rasterizer = c.String("rasterizer")
	}
	if c.IsSet("dpi") {
		cfg.DPI = c.Int("dpi")
	}
	if c.IsSet("concurrency") {
		cfg.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("rate") {
		cfg.OCRRatePerSecond = c.Float64("rate")
	}
	if c.IsSet("credentials-file") {
		cfg.CredentialsFile = c.String("credentials-file")
	}
	if c.IsSet("ledger") {
		cfg.GCP.Ledger = c.Bool("ledger")
	}
	if c.IsSet("skip-duplicates") {
		cfg.SkipDuplicates = c.Bool("skip-duplicates")
	}
	if c.IsSet("archive-bucket") {
		cfg.GCP.ArchiveBucket = c.String("archive-bucket")
	}
	if c.IsSet("project") {
		cfg.GCP.ProjectID = c.String("project")
	}
	if c.IsSet("region") {
		cfg.GCP.Region = c.String("region")
	}
	if cfg.CredentialsFile == "" {
		path, err := config.DefaultCredentialsPath()
		if err != nil {
			return cfg, err
		}
		cfg.CredentialsFile = path
	}
	if cfg.LockFile == "" {
		cfg.LockFile = filepath.Join(filepath.Dir(cfg.CredentialsFile), ".cert2xlsx.lock")
	}
	return cfg, cfg.Validate()
}

// buildPipeline wires the collaborators selected by cfg. The returned cleanup
// closes every client that was opened.
func buildPipeline(ctx context.Context, cfg config.Config) (*services.Pipeline, func(), error) {
	var closers []func() error
	cleanup := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				slog.Warn("Failed to close client.", "error", err)
			}
		}
	}

	var rasterizer services.Rasterizer = services.PopplerRasterizer{DPI: cfg.DPI}
	if cfg.Rasterizer == config.RasterizerPDFCPU {
		rasterizer = services.PDFCPURasterizer{}
	}

	newRecognizer := func(ctx context.Context, creds config.Credentials) (services.Recognizer, error) {
		if cfg.Backend == config.BackendVertex {
			client, err := gcp.NewVertexClient(ctx, cfg.GCP.ProjectID, cfg.GCP.Region, cfg.GCP.Model)
			if err != nil {
				return nil, err
			}
			closers = append(closers, client.Close)
			return client, nil
		}
		return aliyun.NewClient(aliyun.Config{
			AccessKeyID:     creds.AccessKey,
			AccessKeySecret: creds.AccessSecret,
			Endpoint:        cfg.Endpoint,
			ReadTimeout:     cfg.RequestTimeout,
			ConnectTimeout:  cfg.RequestTimeout,
		})
	}

	opts := []services.PipelineOption{services.WithPipelineLogger(slog.Default())}
	if cfg.GCP.Ledger {
		ledger, err := services.NewFirestoreLedger(ctx, cfg.GCP.ProjectID, cfg.GCP.LedgerCollection)
		if err != nil {
			return nil, cleanup, err
		}
		closers = append(closers, ledger.Close)
		opts = append(opts, services.WithLedger(ledger))
	}
	if cfg.GCP.ArchiveBucket != "" {
		archiver, err := services.NewGCSArchiver(ctx, cfg.GCP.ArchiveBucket)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		closers = append(closers, archiver.Close)
		opts = append(opts, services.WithArchiver(archiver))
	}

	pipeline := services.NewPipeline(rasterizer, newRecognizer, services.NewSheetAppender("", slog.Default()), services.PipelineConfig{
		Concurrency:      cfg.Concurrency,
		OCRRatePerSecond: cfg.OCRRatePerSecond,
		SkipDuplicates:   cfg.SkipDuplicates,
	}, opts...)
	return pipeline, cleanup, nil
}

func report(w io.Writer, result *models.RunResult) {
	switch {
	case result.Duplicate && result.Pages == 0:
		color.New(color.FgCyan).Fprintf(w, "%s was converted before; nothing was appended.\n", filepath.Base(result.PDFPath))
	case result.Failures == 0:
		color.New(color.FgGreen).Fprintf(w, "Converted %s: %d rows written to %s (sheet %q).\n",
			filepath.Base(result.PDFPath), result.RecordCount(), result.WorkbookPath, result.SheetName)
	default:
		color.New(color.FgYellow).Fprintf(w, "Partial success: %d of %d page images could not be converted. They are saved in %s.\n",
			result.Failures, result.Pages, filepath.Dir(result.WorkbookPath))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

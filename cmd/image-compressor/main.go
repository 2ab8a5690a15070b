package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"image-compressor-go/internal/batch"
	"image-compressor-go/internal/client"
	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/config"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"
	"image-compressor-go/internal/uploader"
	"image-compressor-go/internal/web"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	port      int
	quality   int
	outDir    string
	baseURL   string
	variant   string
	workers   int
	dataURL   bool
	version   = "dev"
	buildTime = "unknown"
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "image-compressor",
	Short: "Compress images by re-encoding them as JPEG",
	Long: `image-compressor runs a small HTTP compression function and a client for it.

The function accepts a multipart upload with an image and a quality value
(1-100, default 80) and answers with the image re-encoded as JPEG, either as
raw bytes (/function/compress-image) or as base64 text
(/function/compress-image-node).`,
	Version:       fmt.Sprintf("%s (built %s)", version, buildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// serveCmd starts the compression endpoint.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compression endpoint",
	Long: `Starts the HTTP compression function. Optional Redis result caching and
S3-compatible archiving of outputs are enabled through the cache and storage
config sections.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

// compressCmd sends images to the endpoint.
var compressCmd = &cobra.Command{
	Use:   "compress <file|dir|->...",
	Short: "Compress images through the endpoint",
	Long: `Sends images to the compression endpoint and writes compressed-<name>
files to the output directory. Directories are walked recursively and
non-image files are skipped. "-" reads an image from stdin as a paste.
With --data-url a single image is printed as a data:image/jpeg URL instead of
being written to disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd, args)
	},
}

// healthCmd lists the functions deployed at the endpoint.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the compression functions are deployed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHealth(cmd)
	},
}

// inspectCmd prints image metadata.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format, dimensions and EXIF metadata of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	serveCmd.Flags().IntVar(&port, "port", 8080, "port to run the endpoint on")

	compressCmd.Flags().IntVarP(&quality, "quality", "q", 80, "JPEG quality (1-100)")
	compressCmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory for compressed files")
	compressCmd.Flags().StringVar(&baseURL, "base-url", "", "compression service base URL")
	compressCmd.Flags().StringVar(&variant, "variant", "", "wire variant: binary or base64")
	compressCmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent uploads for directories")
	compressCmd.Flags().BoolVar(&dataURL, "data-url", false, "print a single result as a data URL instead of saving it")

	healthCmd.Flags().StringVar(&baseURL, "base-url", "", "compression service base URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(inspectCmd)
}

// runServe starts the endpoint and handles graceful shutdown.
func runServe(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}

	log := setupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var comp compressor.Compressor = compressor.NewDefaultCompressor(
		compressor.WithDefaultQuality(cfg.Compression.DefaultQuality),
		compressor.WithAutoOrientation(cfg.Compression.AutoOrient),
	)

	if cfg.Cache.Enabled {
		cache, err := compressor.NewRedisCache(ctx, cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.Prefix, cfg.Cache.TTL)
		if err != nil {
			log.WithError(err).Warn("Result cache unavailable, continuing without it")
		} else {
			defer cache.Close()
			comp = compressor.NewCachedCompressor(comp, cache, log)
			log.Infof("Result cache enabled at %s", cfg.Cache.Addr)
		}
	}

	var archive storage.Archive
	if cfg.Storage.Enabled {
		a, err := storage.NewMinioArchive(ctx, log, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey,
			cfg.Storage.Bucket, cfg.Storage.PublicBase, cfg.Storage.UseSSL)
		if err != nil {
			log.WithError(err).Warn("Archive unavailable, continuing without it")
		} else {
			archive = a
			log.Infof("Archiving compressed images to bucket %q", cfg.Storage.Bucket)
		}
	}

	server := web.NewServer(cfg, log, comp, archive)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if !quiet {
		fmt.Printf("Compression endpoint listening on http://localhost%s\n", cfg.Addr())
		fmt.Printf("  POST %s\n  POST %s\n", web.RouteCompress, web.RouteCompressBase64)
		fmt.Println("Press Ctrl+C to stop")
	}

	select {
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	case <-sigChan:
	}

	log.Info("Shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + server.Statistics().GetSummary())
	}
	return nil
}

// runCompress compresses a single image through a session, or a set of
// files and directories through the batch runner.
func runCompress(cmd *cobra.Command, args []string) error {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{
		BaseURL: cfg.Client.BaseURL,
		Timeout: cfg.Client.Timeout,
		Variant: cfg.Client.Variant,
	}, log)

	if len(args) == 1 && (args[0] == "-" || fileExists(args[0])) {
		return compressOne(ctx, cfg, log, c, args[0])
	}
	if dataURL {
		return errors.New("--data-url needs a single file or -")
	}
	return compressMany(ctx, cfg, log, c, args)
}

func compressOne(ctx context.Context, cfg *config.Config, log *logrus.Logger, c *client.Client, arg string) error {
	notifier := uploader.LogNotifier{Logger: log}
	sess := session.New(c, session.NewTempPreviewStore(""), notifier, log, session.Options{
		Quality: cfg.Client.Quality,
		Timeout: cfg.Client.Timeout,
		BaseURL: cfg.Client.BaseURL,
	})
	defer sess.Reset()

	var (
		state     *session.ImageState
		uploadErr error
	)
	up := uploader.New(notifier, func(f uploader.File) {
		state, uploadErr = sess.Upload(ctx, f)
	})

	var err error
	if arg == "-" {
		_, err = up.PasteReader(os.Stdin)
	} else {
		_, err = up.SelectFile(arg)
	}
	if err != nil {
		return err
	}
	if uploadErr != nil {
		return fmt.Errorf("%s: %w", client.Describe(uploadErr, cfg.Client.BaseURL), uploadErr)
	}

	var status io.Writer = os.Stdout
	switch {
	case quiet:
		status = io.Discard
	case dataURL:
		status = os.Stderr
	}
	return presentResult(os.Stdout, status, state, outDir, dataURL)
}

// presentResult reports a single compression on status and either saves the
// image under dir or writes it to out as a data URL.
func presentResult(out, status io.Writer, state *session.ImageState, dir string, asDataURL bool) error {
	sum, err := session.Summarize(state)
	if err != nil {
		return err
	}
	fmt.Fprintf(status, "%s: %s -> %s (%s saved)\n", sum.FileName, sum.OriginalLabel, sum.CompressedLabel, sum.RatioLabel)

	if asDataURL {
		_, err := fmt.Fprintln(out, client.DataURL(state.Result.Data))
		return err
	}

	path, err := session.SaveDownload(dir, state.File.Name, state.Result.Data)
	if err != nil {
		return err
	}
	fmt.Fprintf(status, "Saved %s\n", path)
	return nil
}

func compressMany(ctx context.Context, cfg *config.Config, log *logrus.Logger, c *client.Client, args []string) error {
	stats := statistics.NewStatistics()
	runner := batch.NewRunner(c, log, stats, batch.Options{
		Quality:   cfg.Client.Quality,
		Workers:   cfg.Client.Workers,
		OutputDir: outDir,
	})
	if !quiet {
		runner.OnProgress(func(o batch.Outcome) {
			switch {
			case o.Skipped:
				fmt.Printf("skipped  %s: %v\n", o.Source, o.Err)
			case o.Err != nil:
				fmt.Printf("failed   %s: %s\n", o.Source, client.Describe(o.Err, cfg.Client.BaseURL))
			default:
				fmt.Printf("ok       %s: %s -> %s (%.1f%%)\n", o.Source,
					statistics.FormatFileSize(o.OriginalSize), statistics.FormatFileSize(o.CompressedSize), o.Ratio)
			}
		})
	}

	var paths []string
	var inputs []batch.Input
	for _, arg := range args {
		if arg != "-" {
			paths = append(paths, arg)
			continue
		}
		f, err := uploader.New(uploader.LogNotifier{Logger: log}, nil).PasteReader(os.Stdin)
		if err != nil {
			return err
		}
		inputs = append(inputs, batch.Input{Path: "-", Size: f.Size, File: &f})
	}

	discovered, err := runner.Discover(paths)
	if err != nil {
		return err
	}
	inputs = append(inputs, discovered...)

	outcomes := runner.Run(ctx, inputs)

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
	}

	var failed int
	for _, o := range outcomes {
		if o.Err != nil && !o.Skipped {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(outcomes))
	}
	return nil
}

// runHealth checks the endpoint and lists its functions.
func runHealth(cmd *cobra.Command) error {
	cfg, err := loadClientConfig(cmd)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout)
	defer cancel()

	c := client.New(client.Config{BaseURL: cfg.Client.BaseURL, Timeout: cfg.Client.Timeout}, log)
	functions, err := c.CheckHealth(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", client.Describe(err, cfg.Client.BaseURL), err)
	}

	fmt.Printf("Compression service at %s is up\n", c.BaseURL())
	for _, fn := range functions {
		fmt.Printf("  %-22s %-32s %s\n", fn.Name, fn.Path, fn.Encoding)
	}
	return nil
}

// runInspect prints metadata for a single image.
func runInspect(path string) error {
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	log := logger.Discard()
	if verbose {
		log = logrus.New()
		log.SetLevel(logrus.DebugLevel)
	}

	info, err := metadata.NewInspector(log).Inspect(data)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		File string `json:"file"`
		Size string `json:"size"`
		*metadata.Info
	}{path, statistics.FormatFileSize(int64(len(data))), info})
}

// loadClientConfig loads configuration and applies compress/health flags.
func loadClientConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.Client.BaseURL = baseURL
	}
	if flags.Changed("quality") {
		cfg.Client.Quality = compressor.ClampQuality(quality)
	}
	if flags.Changed("variant") {
		cfg.Client.Variant = variant
	}
	if flags.Changed("workers") {
		cfg.Client.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.FromConfig(cfg.Logging, !quiet)

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

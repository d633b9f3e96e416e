package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visionwatch/internal/config"
	"visionwatch/internal/logger"
	"visionwatch/internal/pipeline"
	"visionwatch/internal/render"
	"visionwatch/internal/sheets"
	"visionwatch/internal/storage"
	"visionwatch/internal/vision"
)

var annotateCmd = &cobra.Command{
	Use:   "annotate [gs://bucket/object | bucket object]",
	Short: "Annotate a single Cloud Storage image",
	Long: `Run one image from Cloud Storage through Google Cloud Vision and write the
annotated image plus text and HTML reports, exactly as the watch command
does for every upload.

Required environment variables:
  GOOGLE_APPLICATION_CREDENTIALS - Path to service account JSON file, OR
  GOOGLE_CREDENTIALS - Inline JSON credentials string

Outputs go to OUTPUT_DIR (default ./out) unless --bucket or OUTPUT_BUCKET
names a bucket to upload them to.`,
	Example: `  # Annotate an uploaded photo into ./out
  visionwatch annotate gs://my-uploads/photos/team.jpg

  # Same object, bucket and name given separately, PNG output
  visionwatch annotate my-uploads photos/team.jpg --format png

  # Keep the raw Vision response next to the reports
  visionwatch annotate gs://my-uploads/receipt.png --save-json --out ./results`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAnnotate,
}

func init() {
	rootCmd.AddCommand(annotateCmd)

	annotateCmd.Flags().StringP("out", "o", "", "Output directory (default: OUTPUT_DIR)")
	annotateCmd.Flags().String("bucket", "", "Upload outputs to this bucket instead of a directory (default: OUTPUT_BUCKET)")
	annotateCmd.Flags().String("prefix", "", "Object prefix for uploaded outputs (default: OUTPUT_PREFIX)")
	annotateCmd.Flags().String("format", "", "Annotated image format: jpeg or png (default: OUTPUT_FORMAT)")
	annotateCmd.Flags().Duration("timeout", 0, "Processing timeout (default: PROCESS_TIMEOUT)")
	annotateCmd.Flags().Bool("save-json", false, "Also write the raw annotation response as JSON")
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("annotate")

	bucket, object, err := objectFromArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyOutputFlags(cmd, cfg)

	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.ProcessTimeout = timeout
	}

	log.Info().
		Str("uri", storage.URI(bucket, object)).
		Dur("timeout", cfg.ProcessTimeout).
		Msg("Starting annotation")

	ctx, cancel := createContextWithTimeout(cfg.ProcessTimeout, log)
	defer cancel()

	proc, cleanup, err := buildProcessor(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := proc.Process(ctx, bucket, object)
	if err != nil {
		return handleAnnotateError(err, log)
	}

	for _, out := range result.Outputs {
		fmt.Println(out)
	}
	return nil
}

// objectFromArgs accepts either a gs:// URI or a bucket and object pair.
func objectFromArgs(args []string) (string, string, error) {
	if len(args) == 2 {
		if args[0] == "" || args[1] == "" {
			return "", "", fmt.Errorf("bucket and object must not be empty")
		}
		return args[0], args[1], nil
	}
	return storage.ParseURI(args[0])
}

// applyOutputFlags lets command line flags override the environment.
func applyOutputFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("out"); v != "" {
		cfg.OutputDir = v
	}
	if v, _ := cmd.Flags().GetString("bucket"); v != "" {
		cfg.OutputBucket = v
	}
	if v, _ := cmd.Flags().GetString("prefix"); v != "" {
		cfg.OutputPrefix = v
	}
	if v, _ := cmd.Flags().GetString("format"); v != "" {
		cfg.OutputFormat = v
	}
}

// buildProcessor creates the annotation, storage and ledger clients and wires
// them into a pipeline. cleanup closes every client.
func buildProcessor(ctx context.Context, cmd *cobra.Command, cfg *config.Config, log zerolog.Logger) (*pipeline.Processor, func(), error) {
	format, err := render.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, nil, err
	}

	annotator, err := createAnnotator(ctx, cfg.VisionMaxResults, log)
	if err != nil {
		return nil, nil, err
	}

	store, err := storage.NewStore(ctx)
	if err != nil {
		_ = annotator.Close()
		return nil, nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	cleanup := func() {
		if err := annotator.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Vision client")
		}
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close storage client")
		}
	}

	var sink pipeline.Sink
	if cfg.OutputBucket != "" {
		sink = pipeline.NewBucketSink(store, cfg.OutputBucket, cfg.OutputPrefix)
		log.Info().Str("bucket", cfg.OutputBucket).Str("prefix", cfg.OutputPrefix).Msg("Writing outputs to Cloud Storage")
	} else {
		sink = pipeline.NewDirSink(cfg.OutputDir)
		log.Info().Str("dir", cfg.OutputDir).Msg("Writing outputs to local directory")
	}

	var ledger pipeline.Ledger
	if cfg.GoogleSheetURL != "" {
		svc, err := sheets.NewSheetsService(ctx, cfg.GoogleSheetURL, cfg.GoogleSheetWorksheet)
		if err != nil {
			log.Warn().Err(err).Msg("Google Sheets ledger disabled")
		} else {
			ledger = svc
		}
	}

	saveJSON, _ := cmd.Flags().GetBool("save-json")
	opts := pipeline.DefaultOptions()
	opts.Format = format
	opts.SaveJSON = saveJSON
	opts.Timeout = cfg.ProcessTimeout

	return pipeline.NewProcessor(annotator, store, sink, ledger, opts), cleanup, nil
}

// createContextWithTimeout creates a context with timeout and signal handling
func createContextWithTimeout(timeout time.Duration, log zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received interrupt signal, canceling annotation")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// createAnnotator creates the Vision client from environment credentials
func createAnnotator(ctx context.Context, maxResults int, log zerolog.Logger) (*vision.GoogleVisionAnnotator, error) {
	annotator, err := vision.NewGoogleVisionAnnotator(ctx, maxResults)
	if err != nil {
		if errors.Is(err, vision.ErrMissingCredentials) {
			log.Error().Err(err).Msg("Google Cloud credentials not configured")
			return nil, fmt.Errorf("Google Cloud credentials not configured. Please set one of:\n\n" +
				"1. Export GOOGLE_APPLICATION_CREDENTIALS with path to service account JSON:\n" +
				"   export GOOGLE_APPLICATION_CREDENTIALS=/path/to/service-account-key.json\n\n" +
				"2. Export GOOGLE_CREDENTIALS with inline JSON:\n" +
				"   export GOOGLE_CREDENTIALS='{\"type\":\"service_account\",\"project_id\":\"your-project\",...}'\n\n" +
				"3. Use Application Default Credentials (if gcloud is configured):\n" +
				"   gcloud auth application-default login")
		}
		log.Error().Err(err).Msg("Failed to create Vision client")
		return nil, fmt.Errorf("failed to create Vision client: %w", err)
	}

	log.Debug().Msg("Vision client created successfully")
	return annotator, nil
}

// handleAnnotateError provides user-friendly error messages for processing failures
func handleAnnotateError(err error, log zerolog.Logger) error {
	log.Error().Err(err).Msg("Annotation failed")

	errStr := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("annotation timed out. Try increasing --timeout")
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("annotation was canceled")
	case errors.Is(err, storage.ErrObjectNotFound):
		return fmt.Errorf("object not found. Check the bucket and object name: %w", err)
	case errors.Is(err, storage.ErrObjectTooLarge):
		return fmt.Errorf("image is too large (maximum 20MB)")
	case errors.Is(err, render.ErrDecode):
		return fmt.Errorf("object is not a supported image (JPEG, PNG, GIF, BMP, TIFF or WebP): %w", err)
	case errors.Is(err, vision.ErrEmptyResponse):
		return fmt.Errorf("Google Cloud Vision returned no result for the image")
	case strings.Contains(errStr, "Unauthenticated") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "transport: per-RPC creds failed"):
		return fmt.Errorf("Google Cloud authentication failed. Check GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS: %v", err)
	case strings.Contains(errStr, "PERMISSION_DENIED") ||
		strings.Contains(errStr, "PermissionDenied"):
		return fmt.Errorf("permission denied. The service account needs the 'Cloud Vision API User' and 'Storage Object Viewer' roles")
	case strings.Contains(errStr, "QUOTA_EXCEEDED") ||
		strings.Contains(errStr, "ResourceExhausted"):
		return fmt.Errorf("Google Cloud Vision API quota exceeded. Check your project quotas in the Google Cloud Console")
	case errors.Is(err, vision.ErrAnnotationFailed):
		return fmt.Errorf("annotation failed. This may be due to network issues, API quota limits, or service unavailability: %w", err)
	default:
		return fmt.Errorf("annotation failed: %w", err)
	}
}

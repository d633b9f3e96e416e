package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"visionwatch/internal/config"
	"visionwatch/internal/logger"
	"visionwatch/internal/subscriber"
)

var watchCmd = &cobra.Command{
	Use:   "watch [project] [subscription]",
	Short: "Annotate every image uploaded to a bucket",
	Long: `Listen on a Pub/Sub subscription that receives Cloud Storage notifications
and annotate every finalized image upload until interrupted.

The bucket must publish notifications to the subscription's topic:
  gsutil notification create -t uploads -f json gs://my-uploads

Project and subscription default to GOOGLE_CLOUD_PROJECT and
PUBSUB_SUBSCRIPTION. A message is acknowledged once its image has been
processed; failures are redelivered by Pub/Sub.`,
	Example: `  # Use project and subscription from the environment
  visionwatch watch

  # Explicit project and subscription, outputs uploaded to a bucket
  visionwatch watch my-project uploads-sub --bucket my-results --prefix annotated

  # Expose Prometheus metrics
  visionwatch watch --metrics-addr :9090`,
	Args: cobra.MaximumNArgs(2),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringP("out", "o", "", "Output directory (default: OUTPUT_DIR)")
	watchCmd.Flags().String("bucket", "", "Upload outputs to this bucket instead of a directory (default: OUTPUT_BUCKET)")
	watchCmd.Flags().String("prefix", "", "Object prefix for uploaded outputs (default: OUTPUT_PREFIX)")
	watchCmd.Flags().String("format", "", "Annotated image format: jpeg or png (default: OUTPUT_FORMAT)")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: METRICS_ADDR)")
	watchCmd.Flags().Int("max-outstanding", 0, "Maximum unacknowledged messages (default: MAX_OUTSTANDING_MESSAGES)")
	watchCmd.Flags().Bool("save-json", false, "Also write the raw annotation response as JSON")
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("watch")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if len(args) > 0 {
		cfg.GoogleCloudProject = args[0]
	}
	if len(args) > 1 {
		cfg.PubSubSubscription = args[1]
	}
	applyOutputFlags(cmd, cfg)
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetInt("max-outstanding"); v > 0 {
		cfg.MaxOutstandingMessages = v
	}

	if err := cfg.ValidateWatch(); err != nil {
		return fmt.Errorf("%w (pass [project] [subscription] or set them in the environment)", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, cleanup, err := buildProcessor(ctx, cmd, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := pubsub.NewClient(ctx, cfg.GoogleCloudProject)
	if err != nil {
		return fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close Pub/Sub client")
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Metrics server shutdown error")
			}
		}()
	}

	sub := subscriber.New(client, cfg.PubSubSubscription, proc, subscriber.Settings{
		MaxOutstandingMessages: cfg.MaxOutstandingMessages,
	})

	log.Info().
		Str("project", cfg.GoogleCloudProject).
		Str("subscription", cfg.PubSubSubscription).
		Int("max_outstanding", cfg.MaxOutstandingMessages).
		Msg("Watching for uploads, press Ctrl+C to stop")

	if err := sub.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("Shutdown complete")
	return nil
}

func startMetricsServer(addr string, log zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return srv
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"geoTransform/api/accounting"
	"geoTransform/worker/config"
	"geoTransform/worker/converter"
	"geoTransform/worker/crs"
	"geoTransform/worker/kafka"
	"geoTransform/worker/output"
	"geoTransform/worker/pool"
	"geoTransform/worker/service"
)

var (
	srcType   string
	fromCRS   string
	toCRS     string
	format    string
	outputDir string

	rootCmd = &cobra.Command{
		Use:           "worker",
		Short:         "Operator tools for the transform service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run <source>",
		Short: "Transform one local file or archive without the HTTP service",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransform,
	}

	accountingCmd = &cobra.Command{
		Use:   "accounting",
		Short: "Print accounting records published to Kafka",
		Args:  cobra.NoArgs,
		RunE:  tailAccounting,
	}
)

func init() {
	runCmd.Flags().StringVar(&srcType, "src-type", "", "source type: vector or raster")
	runCmd.Flags().StringVar(&fromCRS, "from", "", "source CRS, overrides what the data declares")
	runCmd.Flags().StringVar(&toCRS, "to", "", "target CRS")
	runCmd.Flags().StringVar(&format, "format", "", "output driver short name")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "place the artifact into this output area")
	_ = runCmd.MarkFlagRequired("src-type")

	rootCmd.AddCommand(runCmd, accountingCmd)
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runTransform(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	opts := converter.Options{SrcType: converter.SourceType(srcType)}
	if opts.SrcType != converter.Vector && opts.SrcType != converter.Raster {
		return fmt.Errorf("--src-type must be vector or raster, got %q", srcType)
	}
	var err error
	if fromCRS != "" {
		if opts.SourceCRS, err = crs.Parse(fromCRS); err != nil {
			return fmt.Errorf("--from: %w", err)
		}
	}
	if toCRS != "" {
		if opts.TargetCRS, err = crs.Parse(toCRS); err != nil {
			return fmt.Errorf("--to: %w", err)
		}
	}
	if format != "" {
		if _, ok := converter.LookupDriver(opts.SrcType, format); !ok {
			return fmt.Errorf("--format: driver %q not supported for %s", format, opts.SrcType)
		}
	}

	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	proc := service.NewProcessor(converter.NewConverter(logger), cfg.TempDir, logger)
	job := pool.Job{TicketID: uuid.NewString(), SourcePath: source, Options: opts}

	artifact, err := proc.Run(cmd.Context(), job)
	if err != nil {
		proc.Cleanup(job.TicketID)
		return err
	}

	if outputDir == "" {
		fmt.Fprintln(cmd.OutOrStdout(), artifact)
		return nil
	}

	defer proc.Cleanup(job.TicketID)
	area := output.NewArea(outputDir)
	rel, err := area.Place(artifact)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(area.Root(), rel))
	return nil
}

func tailAccounting(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger)
	if err != nil {
		return fmt.Errorf("connect to kafka: %w", err)
	}
	defer consumer.Close()

	logger.Info("Tailing accounting records",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("topic", cfg.AccountingTopic),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	return consumer.Consume(cmd.Context(), cfg.AccountingTopic, func(ctx context.Context, rec accounting.Record) error {
		return enc.Encode(rec)
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

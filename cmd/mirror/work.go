package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/onezonemirror/mirror/internal/awsclient"
	"github.com/onezonemirror/mirror/internal/clock"
	"github.com/onezonemirror/mirror/internal/config"
	"github.com/onezonemirror/mirror/internal/copyengine"
	"github.com/onezonemirror/mirror/internal/deleteengine"
	"github.com/onezonemirror/mirror/internal/logging"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/objectstore"
	"github.com/onezonemirror/mirror/internal/queue"
	"github.com/onezonemirror/mirror/internal/worker"
)

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a Worker: drain the queue, copy or delete objects, self-exit when idle",
	RunE:  runWork,
}

func init() {
	workCmd.Flags().String("source-bucket", "", "source S3 bucket (required)")
	workCmd.Flags().String("target-bucket", "", "target single-zone bucket (required)")
	workCmd.Flags().String("queue-url", "", "SQS queue URL (required)")
	workCmd.Flags().String("prefix-filter", "", "only mirror keys under this prefix")
	workCmd.Flags().Duration("visibility-timeout", 0, "message visibility timeout")
	workCmd.Flags().Duration("extend-interval", 0, "visibility extension tick interval")
	workCmd.Flags().Int("empty-polls-before-exit", 0, "consecutive empty polls before self-exit")
	workCmd.Flags().Int("wait-time-seconds", 0, "long-poll wait time")
	workCmd.Flags().Int("batch", 0, "max messages per receive")
	workCmd.Flags().Int("copy-parallelism", 0, "bounded worker pool degree for multipart part copies")
	workCmd.Flags().Int64("part-size", 0, "multipart part size in bytes")
	workCmd.Flags().Int64("single-copy-ceiling", 0, "single-call copy upper bound in bytes")
	workCmd.Flags().Int("part-retries", 0, "retries per multipart part")
	workCmd.Flags().Int("delete-retries", 0, "retries per delete")
	workCmd.Flags().Duration("drain-deadline", 0, "hard ceiling to exit after a drain signal")
	workCmd.Flags().Duration("request-timeout", 0, "per-request AWS call timeout (loaded into the config; not applied to any AWS call)")
	workCmd.Flags().Int("max-receive-count", 0, "receive count after which the queue's own redrive policy applies")
}

func runWork(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return configError(err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return configError(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return initError(fmt.Errorf("build logger: %w", err))
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal, draining")
		cancel()
	}()

	awsCfg, err := awsclient.LoadDefault(ctx, cfg.AWS.Region)
	if err != nil {
		return initError(err)
	}

	sourceAPI := s3.NewFromConfig(awsCfg)
	source := objectstore.NewS3Client(sourceAPI)

	targetCfg := awsCfg
	if cfg.AWS.TargetAssumeRoleARN != "" {
		targetCfg = awsclient.AssumeRole(awsCfg, cfg.AWS.TargetAssumeRoleARN)
	}
	target := objectstore.NewS3Client(s3.NewFromConfig(targetCfg))

	sqsAPI := sqs.NewFromConfig(awsCfg)
	queueClient := queue.NewSQSClient(sqsAPI, cfg.Mirror.QueueURL, cfg.Mirror.VisibilityTimeout)

	metricsCollector := metrics.New()
	go func() {
		if err := metricsCollector.StartServer(cfg.MetricsAddr); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	copier := copyengine.New(copyengine.Config{
		SingleCopyCeiling: cfg.Mirror.SingleCopyCeiling,
		PartSize:          cfg.Mirror.PartSize,
		CopyParallelism:   cfg.Mirror.CopyParallelism,
		PartRetries:       cfg.Mirror.PartRetries,
		DrainDeadline:     cfg.Mirror.DrainDeadline,
	}, source, target, metricsCollector, logger)

	deleter := deleteengine.New(deleteengine.Config{
		DeleteRetries: cfg.Mirror.DeleteRetries,
	}, target, logger)

	w := worker.New(worker.Config{
		SourceBucket:         cfg.Mirror.SourceBucket,
		TargetBucket:         cfg.Mirror.TargetBucket,
		PrefixFilter:         cfg.Mirror.PrefixFilter,
		WaitTimeSeconds:      cfg.Mirror.WaitTimeSeconds,
		Batch:                cfg.Mirror.Batch,
		EmptyPollsBeforeExit: cfg.Mirror.EmptyPollsBeforeExit,
		VisibilityTimeout:    cfg.Mirror.VisibilityTimeout,
		ExtendInterval:       cfg.Mirror.ExtendInterval,
		DrainDeadline:        cfg.Mirror.DrainDeadline,
	}, queueClient, clock.System, copier, deleter, metricsCollector, logger)

	return w.Run(ctx)
}

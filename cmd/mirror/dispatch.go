package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/onezonemirror/mirror/internal/awsclient"
	"github.com/onezonemirror/mirror/internal/config"
	"github.com/onezonemirror/mirror/internal/dispatcher"
	"github.com/onezonemirror/mirror/internal/launcher"
	"github.com/onezonemirror/mirror/internal/logging"
	"github.com/onezonemirror/mirror/internal/metrics"
	"github.com/onezonemirror/mirror/internal/queue"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run a single Dispatcher invocation: scale Workers to match queue backlog",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().String("queue-url", "", "SQS queue URL (required)")
	dispatchCmd.Flags().Int("max-workers", 0, "ceiling on concurrently running/pending workers")
	dispatchCmd.Flags().Int("target-backlog-per-task", 0, "desired queue depth per worker")
	dispatchCmd.Flags().Int("burst-start-limit", 0, "max workers launched in a single invocation")
	dispatchCmd.Flags().Duration("dispatch-period", 0, "informational: the external scheduler's invocation interval")
	dispatchCmd.Flags().Int("launch-retries", 0, "retries for a launch shortfall within one invocation")
	dispatchCmd.Flags().Int("preemptible-weight", 0, "capacity provider weight for preemptible workers")
	dispatchCmd.Flags().Int("on-demand-weight", 0, "capacity provider weight for on-demand workers")
	dispatchCmd.Flags().String("cluster", "", "ECS cluster (required)")
	dispatchCmd.Flags().String("task-definition", "", "ECS task definition (required)")
	dispatchCmd.Flags().StringSlice("subnets", nil, "ECS task subnets (required)")
	dispatchCmd.Flags().StringSlice("security-groups", nil, "ECS task security groups")
	dispatchCmd.Flags().Bool("assign-public-ip", true, "assign a public IP to launched tasks")
}

func runDispatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return configError(err)
	}
	if err := cfg.ValidateDispatch(); err != nil {
		return configError(err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return initError(fmt.Errorf("build logger: %w", err))
	}
	defer logger.Sync()

	ctx := context.Background()

	awsCfg, err := awsclient.LoadDefault(ctx, cfg.AWS.Region)
	if err != nil {
		return initError(err)
	}

	sqsAPI := sqs.NewFromConfig(awsCfg)
	queueClient := queue.NewSQSClient(sqsAPI, cfg.Mirror.QueueURL, cfg.Mirror.VisibilityTimeout)

	ecsAPI := ecs.NewFromConfig(awsCfg)
	launcherClient := launcher.NewECSClient(ecsAPI, cfg.Dispatch.Cluster, cfg.Dispatch.TaskDefinition, cfg.Dispatch.Subnets, cfg.Dispatch.SecurityGroups, cfg.Dispatch.AssignPublicIP)

	// No pull-based metrics server here: a dispatch invocation runs one
	// decision and exits almost immediately, so a Prometheus scraper
	// would never have a window to reach it (unlike the long-running
	// Worker in work.go, which legitimately serves /metrics for its
	// whole lifetime). dispatcher.New still takes a Collector because its
	// SetQueueDepth/AddWorkersLaunched calls are shared plumbing with the
	// Worker path; this invocation's own registry is simply discarded on
	// exit rather than scraped.
	metricsCollector := metrics.New()

	d := dispatcher.New(dispatcher.Config{
		MaxWorkers:           cfg.Dispatch.MaxWorkers,
		TargetBacklogPerTask: cfg.Dispatch.TargetBacklogPerTask,
		BurstStartLimit:      cfg.Dispatch.BurstStartLimit,
		LaunchRetries:        cfg.Dispatch.LaunchRetries,
		PreemptibleWeight:    cfg.Dispatch.PreemptibleWeight,
		OnDemandWeight:       cfg.Dispatch.OnDemandWeight,
	}, queueClient, launcherClient, metricsCollector, logger)

	outcome, err := d.Dispatch(ctx)
	if err != nil {
		return err
	}

	logger.Info("dispatch invocation complete", zap.String("outcome", string(outcome)))
	return nil
}

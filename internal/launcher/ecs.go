package launcher

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// ECSAPI is the subset of *ecs.Client this package calls, narrowed to an
// interface for substitution in Dispatcher tests. Grounded on
// `_examples/original_source/starter.py`'s run_task/list_tasks calls,
// translated to the AWS SDK v2 Go equivalents.
type ECSAPI interface {
	ListTasks(ctx context.Context, params *ecs.ListTasksInput, optFns ...func(*ecs.Options)) (*ecs.ListTasksOutput, error)
	RunTask(ctx context.Context, params *ecs.RunTaskInput, optFns ...func(*ecs.Options)) (*ecs.RunTaskOutput, error)
}

var _ ECSAPI = (*ecs.Client)(nil)

// ECSClient launches Workers as ECS tasks, preferring Fargate Spot
// capacity over on-demand Fargate at a configurable weighting, matching
// starter.py's capacityProviderStrategy.
type ECSClient struct {
	api            ECSAPI
	cluster        string
	taskDefinition string
	subnets        []string
	securityGroups []string
	assignPublicIP bool
}

// NewECSClient builds a launcher.Client backed by ECS RunTask/ListTasks.
func NewECSClient(api ECSAPI, cluster, taskDefinition string, subnets, securityGroups []string, assignPublicIP bool) *ECSClient {
	return &ECSClient{
		api:            api,
		cluster:        cluster,
		taskDefinition: taskDefinition,
		subnets:        subnets,
		securityGroups: securityGroups,
		assignPublicIP: assignPublicIP,
	}
}

func (c *ECSClient) ListWorkers(ctx context.Context) (Census, error) {
	running, err := c.countTasks(ctx, types.DesiredStatusRunning)
	if err != nil {
		return Census{}, fmt.Errorf("list running tasks: %w", err)
	}
	pending, err := c.countTasks(ctx, types.DesiredStatusPending)
	if err != nil {
		return Census{}, fmt.Errorf("list pending tasks: %w", err)
	}
	return Census{Running: running, Pending: pending}, nil
}

func (c *ECSClient) countTasks(ctx context.Context, status types.DesiredStatus) (int, error) {
	out, err := c.api.ListTasks(ctx, &ecs.ListTasksInput{
		Cluster:       strPtr(c.cluster),
		DesiredStatus: status,
	})
	if err != nil {
		return 0, err
	}
	return len(out.TaskArns), nil
}

func (c *ECSClient) Launch(ctx context.Context, count int, preemptibleWeight, onDemandWeight int) (int, error) {
	assignPublicIP := types.AssignPublicIpDisabled
	if c.assignPublicIP {
		assignPublicIP = types.AssignPublicIpEnabled
	}

	launched := 0
	for launched < count {
		_, err := c.api.RunTask(ctx, &ecs.RunTaskInput{
			Cluster:        strPtr(c.cluster),
			TaskDefinition: strPtr(c.taskDefinition),
			Count:          int32Ptr(1),
			CapacityProviderStrategy: []types.CapacityProviderStrategyItem{
				{CapacityProvider: strPtr("FARGATE_SPOT"), Weight: int32(preemptibleWeight)},
				{CapacityProvider: strPtr("FARGATE"), Weight: int32(onDemandWeight)},
			},
			NetworkConfiguration: &types.NetworkConfiguration{
				AwsvpcConfiguration: &types.AwsVpcConfiguration{
					Subnets:        c.subnets,
					SecurityGroups: c.securityGroups,
					AssignPublicIp: assignPublicIP,
				},
			},
		})
		if err != nil {
			return launched, fmt.Errorf("run task: %w", err)
		}
		launched++
	}

	return launched, nil
}

func strPtr(s string) *string { return &s }

func int32Ptr(i int32) *int32 { return &i }

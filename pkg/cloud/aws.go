// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package cloud

import (
	"context"
	"fmt"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
)

// AWSProbe wraps the CloudWatch and RDS clients the engine needs for
// managed-cluster discovery and metric collection.
type AWSProbe struct {
	cw  *cloudwatch.Client
	rds *rds.Client
}

// NewAWSProbe builds the probe from settings. Static credentials are used
// when configured; otherwise the default chain applies.
func NewAWSProbe(ctx context.Context, settings *config.Settings) (*AWSProbe, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(settings.AWSRegion),
	}
	if settings.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(settings.AWSAccessKeyID, settings.AWSSecretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "loading aws config")
	}
	return &AWSProbe{
		cw:  cloudwatch.NewFromConfig(cfg),
		rds: rds.NewFromConfig(cfg),
	}, nil
}

// MetricDatapoint is one CloudWatch sample.
type MetricDatapoint struct {
	Timestamp time.Time
	Value     float64
	Unit      string
}

// GetMetricStatistics fetches the average of a CloudWatch metric over the
// trailing window, one datapoint per period.
func (p *AWSProbe) GetMetricStatistics(ctx context.Context, namespace, metricName string, dims map[string]string, window, period time.Duration) ([]MetricDatapoint, error) {
	var dimensions []cwtypes.Dimension
	for k, v := range dims {
		dimensions = append(dimensions, cwtypes.Dimension{Name: awsv2.String(k), Value: awsv2.String(v)})
	}

	end := time.Now().UTC()
	start := end.Add(-window)

	var out *cloudwatch.GetMetricStatisticsOutput
	err := Do(ctx, "cloudwatch GetMetricStatistics "+metricName, func(ctx context.Context) error {
		var err error
		out, err = p.cw.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
			Namespace:  awsv2.String(namespace),
			MetricName: awsv2.String(metricName),
			Dimensions: dimensions,
			StartTime:  awsv2.Time(start),
			EndTime:    awsv2.Time(end),
			Period:     awsv2.Int32(int32(period.Seconds())),
			Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
		})
		return err
	})
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "cloudwatch %s/%s", namespace, metricName)
	}

	points := make([]MetricDatapoint, 0, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		if dp.Average == nil {
			continue
		}
		point := MetricDatapoint{Value: *dp.Average, Unit: string(dp.Unit)}
		if dp.Timestamp != nil {
			point.Timestamp = *dp.Timestamp
		}
		points = append(points, point)
	}
	return points, nil
}

// DescribeCluster discovers an RDS/Aurora cluster's membership: per-instance
// endpoints with writer/reader flags, plus the virtual cluster and reader
// endpoints as non-instance entries.
func (p *AWSProbe) DescribeCluster(ctx context.Context, clusterID string) ([]*topology.Node, error) {
	var out *rds.DescribeDBClustersOutput
	err := Do(ctx, "rds DescribeDBClusters", func(ctx context.Context) error {
		var err error
		out, err = p.rds.DescribeDBClusters(ctx, &rds.DescribeDBClustersInput{
			DBClusterIdentifier: awsv2.String(clusterID),
		})
		return err
	})
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "describing cluster %s", clusterID)
	}
	if len(out.DBClusters) == 0 {
		return nil, errs.NewAuxiliaryChannel(nil, "cluster %s not found", clusterID)
	}

	cluster := out.DBClusters[0]
	var nodes []*topology.Node

	if cluster.Endpoint != nil {
		nodes = append(nodes, &topology.Node{
			ID:           clusterID + "-cluster",
			Host:         *cluster.Endpoint,
			Role:         topology.RoleWriter,
			EndpointType: topology.EndpointCluster,
			State:        topology.StateActive,
		})
	}
	if cluster.ReaderEndpoint != nil {
		nodes = append(nodes, &topology.Node{
			ID:           clusterID + "-reader",
			Host:         *cluster.ReaderEndpoint,
			Role:         topology.RoleReader,
			EndpointType: topology.EndpointReaderLB,
			State:        topology.StateActive,
		})
	}

	for _, member := range cluster.DBClusterMembers {
		if member.DBInstanceIdentifier == nil {
			continue
		}
		id := *member.DBInstanceIdentifier
		role := topology.RoleReader
		if member.IsClusterWriter != nil && *member.IsClusterWriter {
			role = topology.RoleWriter
		}
		node := &topology.Node{
			ID:           id,
			Role:         role,
			EndpointType: topology.EndpointInstance,
			State:        topology.StateActive,
			Metadata:     map[string]string{},
		}
		if host, az, err := p.instanceEndpoint(ctx, id); err == nil {
			node.Host = host
			node.Metadata["availability_zone"] = az
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (p *AWSProbe) instanceEndpoint(ctx context.Context, instanceID string) (string, string, error) {
	var out *rds.DescribeDBInstancesOutput
	err := Do(ctx, "rds DescribeDBInstances", func(ctx context.Context) error {
		var err error
		out, err = p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
			DBInstanceIdentifier: awsv2.String(instanceID),
		})
		return err
	})
	if err != nil || len(out.DBInstances) == 0 {
		return "", "", fmt.Errorf("describing instance %s: %w", instanceID, err)
	}
	inst := out.DBInstances[0]
	host := ""
	if inst.Endpoint != nil && inst.Endpoint.Address != nil {
		host = *inst.Endpoint.Address
	}
	az := ""
	if inst.AvailabilityZone != nil {
		az = *inst.AvailabilityZone
	}
	return host, az, nil
}

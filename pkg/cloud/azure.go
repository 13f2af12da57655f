// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/monitor/armmonitor"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
)

// AzureProbe fetches Azure Monitor metrics for a managed database resource.
type AzureProbe struct {
	metrics    *armmonitor.MetricsClient
	resourceID string
}

// NewAzureProbe builds the probe using the default credential chain
// (environment variables, managed identity, CLI login).
func NewAzureProbe(settings *config.Settings) (*AzureProbe, error) {
	if settings.AzureSubscriptionID == "" {
		return nil, errs.NewConfig("azure monitor access requires azure_subscription_id")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "building azure credential")
	}
	client, err := armmonitor.NewMetricsClient(settings.AzureSubscriptionID, cred, nil)
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "building azure metrics client")
	}
	return &AzureProbe{metrics: client, resourceID: settings.AzureResourceID}, nil
}

// GetMetric fetches the average of one Azure Monitor metric over the trailing
// window.
func (p *AzureProbe) GetMetric(ctx context.Context, metricName string, window time.Duration) ([]MetricDatapoint, error) {
	end := time.Now().UTC()
	start := end.Add(-window)
	timespan := fmt.Sprintf("%s/%s", start.Format(time.RFC3339), end.Format(time.RFC3339))

	var resp armmonitor.MetricsClientListResponse
	err := Do(ctx, "azure monitor List "+metricName, func(ctx context.Context) error {
		var err error
		resp, err = p.metrics.List(ctx, p.resourceID, &armmonitor.MetricsClientListOptions{
			Metricnames: to.Ptr(metricName),
			Timespan:    to.Ptr(timespan),
			Aggregation: to.Ptr("Average"),
		})
		return err
	})
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "azure metric %s", metricName)
	}

	var points []MetricDatapoint
	for _, metric := range resp.Value {
		unit := ""
		if metric.Unit != nil {
			unit = string(*metric.Unit)
		}
		for _, series := range metric.Timeseries {
			for _, mv := range series.Data {
				if mv.Average == nil {
					continue
				}
				point := MetricDatapoint{Value: *mv.Average, Unit: unit}
				if mv.TimeStamp != nil {
					point.Timestamp = *mv.TimeStamp
				}
				points = append(points, point)
			}
		}
	}
	return points, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
)

// ManagedClient talks to an Instaclustr-style managed-service control plane:
// cluster description, per-node monitoring values, and a Prometheus-format
// metrics endpoint.
type ManagedClient struct {
	baseURL   string
	apiKey    string
	clusterID string
	client    *http.Client
}

// NewManagedClient builds the client from settings.
func NewManagedClient(settings *config.Settings) *ManagedClient {
	return &ManagedClient{
		baseURL:   strings.TrimRight(settings.ManagedAPIURL, "/"),
		apiKey:    settings.ManagedAPIKey,
		clusterID: settings.ManagedClusterID,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ClusterID returns the configured cluster identifier.
func (c *ManagedClient) ClusterID() string { return c.clusterID }

func (c *ManagedClient) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var body []byte
	err := Do(ctx, "managed API "+path, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.clusterID, c.apiKey)
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{
				Status: resp.StatusCode,
				Msg:    fmt.Sprintf("managed API %s returned %d: %s", path, resp.StatusCode, truncate(string(body), 200)),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type managedNode struct {
	ID             string `json:"id"`
	PublicAddress  string `json:"publicAddress"`
	PrivateAddress string `json:"privateAddress"`
	Rack           string `json:"rack"`
	NodeStatus     string `json:"nodeStatus"`
	NodeRoles      string `json:"nodeRoles"`
}

type managedCluster struct {
	ID            string        `json:"id"`
	ClusterName   string        `json:"clusterName"`
	ClusterStatus string        `json:"clusterStatus"`
	Nodes         []managedNode `json:"nodes"`
}

// DescribeCluster fetches the managed cluster's membership as topology nodes.
func (c *ManagedClient) DescribeCluster(ctx context.Context) ([]*topology.Node, error) {
	body, err := c.get(ctx, "/provisioning/v1/"+c.clusterID, nil)
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "describing managed cluster %s", c.clusterID)
	}
	var cluster managedCluster
	if err := json.Unmarshal(body, &cluster); err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "decoding managed cluster %s", c.clusterID)
	}

	var nodes []*topology.Node
	for _, mn := range cluster.Nodes {
		state := topology.StateActive
		switch strings.ToUpper(mn.NodeStatus) {
		case "RUNNING", "ACTIVE":
			state = topology.StateActive
		case "JOINING", "PROVISIONING":
			state = topology.StateJoining
		case "LEAVING", "DECOMMISSIONING":
			state = topology.StateLeaving
		default:
			state = topology.StateDown
		}
		role := topology.RoleUnknown
		if strings.Contains(strings.ToLower(mn.NodeRoles), "controller") {
			role = topology.RoleController
		}
		nodes = append(nodes, &topology.Node{
			ID:           mn.ID,
			Host:         firstNonEmpty(mn.PrivateAddress, mn.PublicAddress),
			Role:         role,
			EndpointType: topology.EndpointInstance,
			State:        state,
			Metadata: map[string]string{
				"rack":           mn.Rack,
				"public_address": mn.PublicAddress,
			},
		})
	}
	return nodes, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// nodeIDLabels are tried in order when attributing a Prometheus sample to a
// node. Broker/instance ids win over hostnames.
var nodeIDLabels = []string{"broker", "broker_id", "node_id", "node", "instance"}

// FetchPrometheusMetric scrapes the managed service's Prometheus endpoint and
// returns per-node values for one metric family. One HTTP call covers the
// whole cluster.
func (c *ManagedClient) FetchPrometheusMetric(ctx context.Context, metricName string) (map[string]float64, error) {
	body, err := c.get(ctx, "/monitoring/v2/clusters/"+c.clusterID+"/prometheus", nil)
	if err != nil {
		return nil, errs.NewAuxiliaryChannel(err, "scraping managed prometheus endpoint")
	}
	return ParsePrometheusMetric(string(body), metricName)
}

// ParsePrometheusMetric extracts per-node values for one metric family from
// Prometheus text exposition format.
func ParsePrometheusMetric(exposition, metricName string) (map[string]float64, error) {
	parser := expfmt.TextParser{}
	families, err := parser.TextToMetricFamilies(strings.NewReader(exposition))
	if err != nil {
		return nil, fmt.Errorf("parsing prometheus exposition: %w", err)
	}
	family, ok := families[metricName]
	if !ok {
		return nil, fmt.Errorf("metric %q not present in exposition", metricName)
	}

	out := make(map[string]float64)
	for i, m := range family.Metric {
		key := ""
		for _, want := range nodeIDLabels {
			for _, lp := range m.Label {
				if lp.GetName() == want {
					key = lp.GetValue()
					break
				}
			}
			if key != "" {
				break
			}
		}
		if key == "" {
			key = fmt.Sprintf("series_%d", i)
		}
		switch {
		case m.Gauge != nil:
			out[key] = m.Gauge.GetValue()
		case m.Counter != nil:
			out[key] = m.Counter.GetValue()
		case m.Untyped != nil:
			out[key] = m.Untyped.GetValue()
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("metric %q carried no usable samples", metricName)
	}
	return out, nil
}

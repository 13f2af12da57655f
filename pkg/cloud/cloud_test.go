// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package cloud

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	errs "github.com/xtpclark/pg-healthcheck2-sub001/pkg/errors"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/topology"
)

func TestTransientClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", &HTTPStatusError{Status: 429, Msg: "slow down"}, true},
		{"http 503", &HTTPStatusError{Status: 503, Msg: "unavailable"}, true},
		{"http 403", &HTTPStatusError{Status: 403, Msg: "forbidden"}, false},
		{"http 404", &HTTPStatusError{Status: 404, Msg: "missing"}, false},
		{"throttling code", errors.New("ThrottlingException: rate exceeded"), true},
		{"access denied", errors.New("AccessDenied: not allowed"), false},
		{"deadline", context.DeadlineExceeded, true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain failure", errors.New("no such metric"), false},
		// A permanent code wins even when a transient fragment also matches.
		{"both fragments", errors.New("AccessDenied after InternalError"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Transient(c.err))
		})
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test op", func(ctx context.Context) error {
		calls++
		return &HTTPStatusError{Status: 401, Msg: "bad credentials"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "test op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

const expositionSample = `# HELP kafka_server_replicamanager_underreplicatedpartitions Under-replicated partition count.
# TYPE kafka_server_replicamanager_underreplicatedpartitions gauge
kafka_server_replicamanager_underreplicatedpartitions{broker="1"} 0
kafka_server_replicamanager_underreplicatedpartitions{broker="2"} 3
# TYPE process_open_fds gauge
process_open_fds{instance="host-a:9100"} 812
`

func TestParsePrometheusMetric(t *testing.T) {
	values, err := ParsePrometheusMetric(expositionSample, "kafka_server_replicamanager_underreplicatedpartitions")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"1": 0, "2": 3}, values)

	// Falls back to the instance label when no broker id is present.
	values, err = ParsePrometheusMetric(expositionSample, "process_open_fds")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"host-a:9100": 812}, values)

	_, err = ParsePrometheusMetric(expositionSample, "no_such_metric")
	assert.Error(t, err)

	_, err = ParsePrometheusMetric("{{{not exposition", "x")
	assert.Error(t, err)
}

func managedTestClient(url string) *ManagedClient {
	return NewManagedClient(&config.Settings{
		ManagedAPIURL:    url,
		ManagedAPIKey:    "key",
		ManagedClusterID: "cluster-1",
	})
}

func TestDescribeCluster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "cluster-1", user)
		assert.Equal(t, "key", pass)
		assert.Equal(t, "/provisioning/v1/cluster-1", r.URL.Path)
		fmt.Fprint(w, `{
			"id": "cluster-1",
			"clusterName": "orders-kafka",
			"clusterStatus": "RUNNING",
			"nodes": [
				{"id": "n1", "privateAddress": "10.0.0.1", "publicAddress": "52.1.2.3", "rack": "us-east-1a", "nodeStatus": "RUNNING", "nodeRoles": "KAFKA_BROKER,CONTROLLER"},
				{"id": "n2", "privateAddress": "", "publicAddress": "52.1.2.4", "rack": "us-east-1b", "nodeStatus": "PROVISIONING", "nodeRoles": "KAFKA_BROKER"}
			]
		}`)
	}))
	defer srv.Close()

	nodes, err := managedTestClient(srv.URL).DescribeCluster(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	assert.Equal(t, "n1", nodes[0].ID)
	assert.Equal(t, "10.0.0.1", nodes[0].Host)
	assert.Equal(t, topology.RoleController, nodes[0].Role)
	assert.Equal(t, topology.StateActive, nodes[0].State)
	assert.Equal(t, "us-east-1a", nodes[0].Metadata["rack"])

	// Public address is the fallback when no private one exists.
	assert.Equal(t, "52.1.2.4", nodes[1].Host)
	assert.Equal(t, topology.StateJoining, nodes[1].State)
}

func TestDescribeClusterAuthFailureDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := managedTestClient(srv.URL).DescribeCluster(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsAuxiliaryChannel(err))
	assert.Equal(t, 1, calls)
}

func TestFetchPrometheusMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/monitoring/v2/clusters/cluster-1/prometheus", r.URL.Path)
		fmt.Fprint(w, expositionSample)
	}))
	defer srv.Close()

	values, err := managedTestClient(srv.URL).FetchPrometheusMetric(
		context.Background(), "kafka_server_replicamanager_underreplicatedpartitions")
	require.NoError(t, err)
	assert.Equal(t, 3.0, values["2"])
}

// The metrics client is scoped to a subscription; without one the probe must
// refuse to build instead of failing on the first List call.
func TestNewAzureProbeRequiresSubscription(t *testing.T) {
	_, err := NewAzureProbe(&config.Settings{
		AzureResourceID: "/subscriptions/s/resourceGroups/g/providers/p/r",
	})
	require.Error(t, err)
	assert.True(t, errs.IsConfig(err))
}

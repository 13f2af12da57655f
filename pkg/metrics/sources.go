// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

package metrics

import (
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/cloud"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/config"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/connector"
	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/shellexec"
)

// auxProvider is satisfied by backends that expose their auxiliary channels.
type auxProvider interface {
	Managed() *cloud.ManagedClient
	Shell() *shellexec.Executor
	AWS() *cloud.AWSProbe
	Azure() *cloud.AzureProbe
}

// SourcesFor assembles the collection sources available on a live connector.
func SourcesFor(conn connector.Connector, s *config.Settings) Sources {
	src := Sources{
		Connector:       conn,
		CloudResourceID: s.ManagedClusterID,
		ExporterPort:    s.ExporterPort,
		JMXPort:         s.JMXPort,
	}
	if ap, ok := conn.(auxProvider); ok {
		src.Managed = ap.Managed()
		src.Shell = ap.Shell()
		src.AWS = ap.AWS()
		src.Azure = ap.Azure()
	}
	return src
}

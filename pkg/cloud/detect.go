// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package cloud answers "is this process running on a virtualized cloud
// instance" for the AWS 3-GP-counter workaround. Detection is
// adapted from an AWS instance-metadata client, trimmed to the single EC2
// Instance Metadata Service probe this library needs.
package cloud

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/go-logr/logr"
)

// DefaultProbeTimeout bounds how long IsEC2 will wait for the metadata
// service before concluding the host is not on AWS. The IMDS endpoint is
// link-local and normally answers in single-digit milliseconds; on a
// non-AWS host the connection simply times out, so this must stay short
// enough that a non-cloud host doesn't stall topology discovery.
const DefaultProbeTimeout = 300 * time.Millisecond

// Detector probes the EC2 Instance Metadata Service. It builds the IMDS
// client once and reuses it; the probe result is not cached, so every
// IsEC2 call issues a fresh probe.
type Detector struct {
	client  *imds.Client
	timeout time.Duration
	logger  logr.Logger
}

// NewDetector constructs a Detector. Construction never touches the
// network; the IMDS client is created lazily on the first IsEC2 call.
func NewDetector(logger logr.Logger) *Detector {
	return &Detector{timeout: DefaultProbeTimeout, logger: logger.WithName("cloud")}
}

// WithTimeout overrides the default probe timeout, mainly for tests.
func (d *Detector) WithTimeout(timeout time.Duration) *Detector {
	d.timeout = timeout
	return d
}

func (d *Detector) ensureClient(ctx context.Context) error {
	if d.client != nil {
		return nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("cloud: load AWS config: %w", err)
	}
	d.client = imds.NewFromConfig(cfg)
	return nil
}

// IsEC2 reports whether the process is running on an EC2 instance. Any
// failure (no IMDS endpoint reachable, non-AWS host, blocked network) is
// treated as "not on AWS" rather than an error: an unreachable IMDS
// endpoint is the common case on bare metal and other clouds.
func (d *Detector) IsEC2(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.ensureClient(ctx); err != nil {
		d.logger.V(1).Info("could not build IMDS client, assuming not on AWS", "error", err)
		return false
	}

	_, err := d.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-id"})
	if err != nil {
		d.logger.V(1).Info("IMDS probe failed, assuming not on AWS", "error", err)
		return false
	}
	return true
}

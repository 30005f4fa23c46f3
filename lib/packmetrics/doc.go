// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package packmetrics exports packer pipeline events as Prometheus
// metrics. [Sink] implements packer.MetricsSink; pass it as
// WriterSettings.Metrics and register it with the registry served on
// the metrics endpoint.
//
// Per-chunk-type counters carry a chunk_type label whose values are
// the toc.ChunkType names. Byte counters are not labelled.
package packmetrics

// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"sync"

	"github.com/pingcap/cdcstream/cdc/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	lastReadOpIndexGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "last_read_opid_index",
			Help:      "Index of the last position handed to the consumer.",
		}, []string{"stream", "partition"})
	lastReadableOpIndexGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "last_readable_opid_index",
			Help:      "Index of the last entry of the log when it was last read.",
		}, []string{"stream", "partition"})
	lastCheckpointOpIndexGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "last_checkpoint_opid_index",
			Help:      "Index of the last position acknowledged by the consumer.",
		}, []string{"stream", "partition"})
	sentLagGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "sent_lag_micros",
			Help:      "Time between the last replicated entry and the last entry sent to the consumer.",
		}, []string{"stream", "partition"})
	committedLagGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "committed_lag_micros",
			Help:      "Time between the last replicated entry and the last entry acknowledged by the consumer.",
		}, []string{"stream", "partition"})
	payloadBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "payload_bytes_responded",
			Help:      "Size of the change records returned to consumers.",
		}, []string{"stream", "partition"})
	heartbeatsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcstream",
			Subsystem: "producer",
			Name:      "heartbeats_responded",
			Help:      "Number of GetChanges responses without any record.",
		}, []string{"stream", "partition"})
	proxyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cdcstream",
			Subsystem: "service",
			Name:      "proxy_count",
			Help:      "Number of GetChanges requests forwarded to the partition leader.",
		})
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cdcstream",
			Subsystem: "service",
			Name:      "request_count",
			Help:      "Number of requests by method and error code.",
		}, []string{"method", "code"})
)

// InitMetrics registers all metrics of the service.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(lastReadOpIndexGauge)
	registry.MustRegister(lastReadableOpIndexGauge)
	registry.MustRegister(lastCheckpointOpIndexGauge)
	registry.MustRegister(sentLagGauge)
	registry.MustRegister(committedLagGauge)
	registry.MustRegister(payloadBytesCounter)
	registry.MustRegister(heartbeatsCounter)
	registry.MustRegister(proxyCounter)
	registry.MustRegister(requestCounter)
}

// partitionMetrics are the metrics of one stream/partition pair.
type partitionMetrics struct {
	// lastReadMicros and lastCheckpointMicros are the commit times of the
	// last sent and last acknowledged records, zero until known.
	lastReadMicros       atomic.Int64
	lastCheckpointMicros atomic.Int64

	lastReadOpIndex     prometheus.Gauge
	lastReadableOpIndex prometheus.Gauge
	lastCheckpointIndex prometheus.Gauge
	sentLag             prometheus.Gauge
	committedLag        prometheus.Gauge
	payloadBytes        prometheus.Counter
	heartbeats          prometheus.Counter
}

func newPartitionMetrics(key model.ProducerPartition) *partitionMetrics {
	return &partitionMetrics{
		lastReadOpIndex:     lastReadOpIndexGauge.WithLabelValues(key.StreamID, key.PartitionID),
		lastReadableOpIndex: lastReadableOpIndexGauge.WithLabelValues(key.StreamID, key.PartitionID),
		lastCheckpointIndex: lastCheckpointOpIndexGauge.WithLabelValues(key.StreamID, key.PartitionID),
		sentLag:             sentLagGauge.WithLabelValues(key.StreamID, key.PartitionID),
		committedLag:        committedLagGauge.WithLabelValues(key.StreamID, key.PartitionID),
		payloadBytes:        payloadBytesCounter.WithLabelValues(key.StreamID, key.PartitionID),
		heartbeats:          heartbeatsCounter.WithLabelValues(key.StreamID, key.PartitionID),
	}
}

func (m *partitionMetrics) resetLag() {
	m.sentLag.Set(0)
	m.committedLag.Set(0)
}

// metricsSet holds the partition metrics created so far.
type metricsSet struct {
	mu      sync.Mutex
	metrics map[model.ProducerPartition]*partitionMetrics
}

func newMetricsSet() *metricsSet {
	return &metricsSet{metrics: make(map[model.ProducerPartition]*partitionMetrics)}
}

func (s *metricsSet) get(key model.ProducerPartition) *partitionMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[key]
	if !ok {
		m = newPartitionMetrics(key)
		s.metrics[key] = m
	}
	return m
}

// drop removes the metrics of keys, used when their stream is deleted.
func (s *metricsSet) drop(keys []model.ProducerPartition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if _, ok := s.metrics[key]; !ok {
			continue
		}
		delete(s.metrics, key)
		labels := []string{key.StreamID, key.PartitionID}
		lastReadOpIndexGauge.DeleteLabelValues(labels...)
		lastReadableOpIndexGauge.DeleteLabelValues(labels...)
		lastCheckpointOpIndexGauge.DeleteLabelValues(labels...)
		sentLagGauge.DeleteLabelValues(labels...)
		committedLagGauge.DeleteLabelValues(labels...)
		payloadBytesCounter.DeleteLabelValues(labels...)
		heartbeatsCounter.DeleteLabelValues(labels...)
	}
}

// computeLag sets metric to the time between lastReplicated and the locally
// tracked timestamp, falling back to the last replication time stored in
// the checkpoint table, and to zero when neither is known.
func computeLag(lastReplicatedMicros, metricMicros, tableMicros int64, metric prometheus.Gauge) {
	switch {
	case metricMicros != 0:
		metric.Set(float64(lastReplicatedMicros - metricMicros))
	case tableMicros != 0:
		metric.Set(float64(lastReplicatedMicros - tableMicros))
	default:
		metric.Set(0)
	}
}

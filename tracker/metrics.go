// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tracker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/siderolabs/go-streambuf"
)

const meterName = "github.com/siderolabs/go-streambuf/tracker"

var (
	reasonCapacity = metric.WithAttributes(attribute.String("reason", "capacity"))
	reasonGap      = metric.WithAttributes(attribute.String("reason", "gap"))
)

type metrics struct {
	bytesIngested metric.Int64Counter
	bytesStale    metric.Int64Counter
	bytesEvicted  metric.Int64Counter
	bytesConsumed metric.Int64Counter
	bytesSkipped  metric.Int64Counter
	evictions     metric.Int64Counter
	streamsActive metric.Int64UpDownCounter
}

func newMetrics(provider metric.MeterProvider) (*metrics, error) {
	meter := provider.Meter(meterName)

	var (
		m   metrics
		err error
	)

	for _, counter := range []struct {
		dest        *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&m.bytesIngested, "streambuf.bytes.ingested", "Bytes written into stream buffers", "By"},
		{&m.bytesStale, "streambuf.bytes.stale", "Bytes dropped as they were already consumed", "By"},
		{&m.bytesEvicted, "streambuf.bytes.evicted", "Buffered bytes evicted before being consumed", "By"},
		{&m.bytesConsumed, "streambuf.bytes.consumed", "Buffered bytes consumed by parsers", "By"},
		{&m.bytesSkipped, "streambuf.bytes.skipped", "Missing bytes skipped over by parsers", "By"},
		{&m.evictions, "streambuf.evictions", "Stream buffer evictions", "1"},
	} {
		*counter.dest, err = meter.Int64Counter(counter.name,
			metric.WithDescription(counter.description),
			metric.WithUnit(counter.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", counter.name, err)
		}
	}

	m.streamsActive, err = meter.Int64UpDownCounter("streambuf.streams.active",
		metric.WithDescription("Number of tracked stream directions"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("failed to create streambuf.streams.active counter: %w", err)
	}

	return &m, nil
}

// record exports the difference between the buffer counters.
func (m *metrics) record(ctx context.Context, prev, cur streambuf.Stats) {
	addDelta(ctx, m.bytesIngested, cur.BytesAdded-prev.BytesAdded)
	addDelta(ctx, m.bytesStale, cur.BytesStale-prev.BytesStale)
	addDelta(ctx, m.bytesEvicted, cur.BytesEvicted-prev.BytesEvicted)
	addDelta(ctx, m.bytesConsumed, cur.BytesRemoved-prev.BytesRemoved)
	addDelta(ctx, m.bytesSkipped, cur.BytesSkipped-prev.BytesSkipped)
	addDelta(ctx, m.evictions, cur.CapacityEvictions-prev.CapacityEvictions, reasonCapacity)
	addDelta(ctx, m.evictions, cur.GapEvictions-prev.GapEvictions, reasonGap)
}

func addDelta(ctx context.Context, counter metric.Int64Counter, delta int64, opts ...metric.AddOption) {
	if delta > 0 {
		counter.Add(ctx, delta, opts...)
	}
}

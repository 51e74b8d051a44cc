// Package telemetry exposes sync-loop and apply-pipeline counters (ops
// captured, ops applied, conflicts detected, bundle bytes transferred) as a
// Prometheus remote-write push to a collector endpoint.
//
// Grounded on http.go's /prometheus/write handler: the same prompb.WriteRequest
// shape and snappy framing, used here in the push direction instead of the
// ingest direction that handler implements.
package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"

	"github.com/shivay00001/sqlite-sync-core/internal/syncerr"
)

// Counters holds the atomic counters the sync engine updates as it runs.
// Read via Snapshot, which the pusher converts to a remote-write request.
type Counters struct {
	OpsCaptured      atomic.Int64
	OpsApplied       atomic.Int64
	ConflictsFound   atomic.Int64
	ConflictsResolved atomic.Int64
	BundleBytesSent  atomic.Int64
	BundleBytesRecv  atomic.Int64
}

// Snapshot is a point-in-time read of Counters, the unit Pusher converts
// into a remote-write request.
type Snapshot struct {
	OpsCaptured       int64
	OpsApplied        int64
	ConflictsFound    int64
	ConflictsResolved int64
	BundleBytesSent   int64
	BundleBytesRecv   int64
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		OpsCaptured:       c.OpsCaptured.Load(),
		OpsApplied:        c.OpsApplied.Load(),
		ConflictsFound:    c.ConflictsFound.Load(),
		ConflictsResolved: c.ConflictsResolved.Load(),
		BundleBytesSent:   c.BundleBytesSent.Load(),
		BundleBytesRecv:   c.BundleBytesRecv.Load(),
	}
}

// Pusher sends a Snapshot to a Prometheus remote-write endpoint.
type Pusher struct {
	endpoint   string
	deviceName string
	client     *http.Client
}

func NewPusher(endpoint, deviceName string) *Pusher {
	return &Pusher{endpoint: endpoint, deviceName: deviceName, client: &http.Client{Timeout: 10 * time.Second}}
}

// Push encodes snap as a single prompb.WriteRequest (one timeseries per
// counter, labeled by device) and POSTs it snappy-compressed, matching
// the wire format a standard Prometheus remote-write /write endpoint accepts.
func (p *Pusher) Push(ctx context.Context, snap Snapshot) error {
	now := time.Now().UnixMilli()
	req := &prompb.WriteRequest{
		Timeseries: []prompb.TimeSeries{
			series("sync_ops_captured_total", p.deviceName, float64(snap.OpsCaptured), now),
			series("sync_ops_applied_total", p.deviceName, float64(snap.OpsApplied), now),
			series("sync_conflicts_found_total", p.deviceName, float64(snap.ConflictsFound), now),
			series("sync_conflicts_resolved_total", p.deviceName, float64(snap.ConflictsResolved), now),
			series("sync_bundle_bytes_sent_total", p.deviceName, float64(snap.BundleBytesSent), now),
			series("sync_bundle_bytes_received_total", p.deviceName, float64(snap.BundleBytesRecv), now),
		},
	}

	raw, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("telemetry: marshaling write request: %w", err)
	}
	compressed := snappy.Encode(nil, raw)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("telemetry: building request: %w", err)
	}
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &syncerr.TransportError{Peer: p.endpoint, Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &syncerr.TransportError{Peer: p.endpoint, Cause: fmt.Errorf("remote write rejected: status %d", resp.StatusCode)}
	}
	return nil
}

func series(metric, device string, value float64, tsMillis int64) prompb.TimeSeries {
	return prompb.TimeSeries{
		Labels: []prompb.Label{
			{Name: "__name__", Value: metric},
			{Name: "device", Value: device},
		},
		Samples: []prompb.Sample{
			{Value: value, Timestamp: tsMillis},
		},
	}
}

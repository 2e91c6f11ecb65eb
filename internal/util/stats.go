package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Stats is the process-wide data-channel traffic counter.
var Stats = &stats{}

type stats struct {
	OpenChannels atomic.Int64 // currently registered data channels
	MessagesSent atomic.Int64 // cumulative messages written to data channels
	MessagesRecv atomic.Int64 // cumulative messages read from data channels
	BytesSent    atomic.Int64 // cumulative bytes written to data channels
	BytesRecv    atomic.Int64 // cumulative bytes read  from data channels
}

func (s *stats) AddChannel()    { s.OpenChannels.Add(1) }
func (s *stats) RemoveChannel() { s.OpenChannels.Add(-1) }

func (s *stats) AddSent(n int) {
	s.MessagesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MessagesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// StartStatsReporter launches a goroutine that logs traffic statistics every
// 10 seconds, skipping intervals with no activity. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				if sent == prevSent && recv == prevRecv {
					continue
				}
				LogInfo("channels=%d sent=%s recv=%s",
					Stats.OpenChannels.Load(),
					formatBytes(sent), formatBytes(recv))
				prevSent, prevRecv = sent, recv

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB"}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(n int64) string {
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d %s", n, byteUnits[unit])
	}
	return fmt.Sprintf("%.1f %s", value, byteUnits[unit])
}

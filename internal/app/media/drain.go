package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dkeye/roomclient/internal/core"
	"github.com/dkeye/roomclient/internal/metrics"
)

type DrainState int32

const (
	DrainRunning DrainState = iota
	DrainEnded
	DrainFailed
)

func (s DrainState) String() string {
	switch s {
	case DrainRunning:
		return "running"
	case DrainEnded:
		return "ended"
	case DrainFailed:
		return "failed"
	}
	return fmt.Sprintf("drain(%d)", int32(s))
}

// Stats counts what one remote track delivered.
type Stats struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
	lastSeq atomic.Uint32
	state   atomic.Int32 // zero is DrainRunning
}

func (s *Stats) Packets() uint64   { return s.packets.Load() }
func (s *Stats) Bytes() uint64     { return s.bytes.Load() }
func (s *Stats) LastSeq() uint16   { return uint16(s.lastSeq.Load()) }
func (s *Stats) State() DrainState { return DrainState(s.state.Load()) }

// Drain reads RTP from m until it ends, fails or ctx is done. A track
// that ends with io.EOF is not an error.
func Drain(ctx context.Context, m core.RemoteMedia, stats *Stats, logger *zerolog.Logger) error {
	kind := m.Kind().String()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("drain ctx done")
			stats.state.Store(int32(DrainEnded))
			return ctx.Err()
		default:
		}
		pkt, _, err := m.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info().Uint64("packets", stats.Packets()).Msg("track ended")
				stats.state.Store(int32(DrainEnded))
				return nil
			}
			logger.Error().Err(err).Msg("read RTP error, stopping")
			stats.state.Store(int32(DrainFailed))
			return fmt.Errorf("read %s track %s: %w", kind, m.ID(), err)
		}
		size := uint64(len(pkt.Payload))
		stats.packets.Add(1)
		stats.bytes.Add(size)
		stats.lastSeq.Store(uint32(pkt.SequenceNumber))
		metrics.RTPPacketsReceived.WithLabelValues(kind).Inc()
		metrics.RTPBytesReceived.WithLabelValues(kind).Add(float64(size))
	}
}

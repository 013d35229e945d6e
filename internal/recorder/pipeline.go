package recorder

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/audio"
)

// DefaultChunkInterval is the capture cadence: one encoded chunk per tick
const DefaultChunkInterval = 100 * time.Millisecond

// captureBufferSize bounds audio held between ticks; at webm/opus bitrates
// this is several seconds of headroom.
const captureBufferSize = 256 * 1024

// chunkSender transmits one encoded chunk
type chunkSender func(ctx context.Context, seq int64, chunk []byte) error

// pump moves encoded audio from a capture session to the relay on a fixed
// cadence. A reader goroutine fills a ring buffer from the capture process;
// the ticker drains it into discrete chunks. Chunks are issued in capture
// order but each send is fire-and-forget: a failed send is logged and the
// chunk dropped, degrading transcription quality without halting the session.
type pump struct {
	session  CaptureSession
	interval time.Duration
	send     chunkSender
	logger   zerolog.Logger

	seq      atomic.Int64
	buf      *audio.RingBuffer
	readDone chan struct{}
	done     chan struct{}
}

func newPump(session CaptureSession, interval time.Duration, send chunkSender, logger zerolog.Logger) *pump {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	p := &pump{
		session:  session,
		interval: interval,
		send:     send,
		logger:   logger,
		buf:      audio.NewRingBuffer(captureBufferSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.seq.Store(-1)
	return p
}

// run blocks until the context is cancelled or the capture source ends
func (p *pump) run(ctx context.Context) {
	defer close(p.done)

	go p.readLoop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(ctx)
			return
		case <-p.readDone:
			p.flush(ctx)
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *pump) readLoop() {
	defer close(p.readDone)

	readBuf := make([]byte, 8192)
	for {
		n, err := p.session.Read(readBuf)
		if n > 0 {
			if written := p.buf.Write(readBuf[:n]); written < n {
				p.logger.Warn().Int("dropped", n-written).Msg("Capture buffer full, dropping audio")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Warn().Err(err).Msg("Capture read error")
			}
			return
		}
	}
}

// flush sends whatever has accumulated since the last tick as one chunk
func (p *pump) flush(ctx context.Context) {
	chunk := p.buf.Drain()
	if len(chunk) == 0 {
		return
	}

	seq := p.seq.Add(1)
	go func() {
		if err := p.send(ctx, seq, chunk); err != nil {
			p.logger.Warn().Err(err).Int64("seq", seq).Msg("Dropped audio chunk")
		}
	}()
}

// wait blocks until the pump has fully stopped
func (p *pump) wait() {
	<-p.done
}

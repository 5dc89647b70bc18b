package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultChunkSize is 100 ms of 16 kHz 16-bit mono PCM.
const DefaultChunkSize = 3200

// StreamOptions controls StreamFromReader.
type StreamOptions struct {
	ChunkSize int
	// Interval paces chunks; zero sends as fast as the reader yields.
	Interval time.Duration
	// EndOfStream sends audio_stream_end once the reader is drained.
	EndOfStream bool
}

// StreamFromReader sends PCM from reader in fixed-size chunks.
func (c *VoiceClient) StreamFromReader(ctx context.Context, reader io.Reader, opts StreamOptions) (int64, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	var tick <-chan time.Time
	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var sent int64
	buffer := make([]byte, opts.ChunkSize)
	for {
		n, err := io.ReadFull(reader, buffer)
		if n > 0 {
			if tick != nil {
				select {
				case <-ctx.Done():
					return sent, ctx.Err()
				case <-tick:
				}
			}
			if serr := c.SendAudio(ctx, buffer[:n]); serr != nil {
				return sent, serr
			}
			sent += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("error reading audio: %w", err)
		}
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
	}

	if opts.EndOfStream {
		if err := c.EndAudioStream(ctx); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

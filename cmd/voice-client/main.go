package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cidpkg "voicerelay/internal/cid"
	"voicerelay/internal/logging"
	"voicerelay/pkg/client"
)

var version = "0.1.0"

var (
	serverURL   string
	outputPath  string
	chunkSize   int
	interval    time.Duration
	turnTimeout time.Duration
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "voice-client",
	Short: "Stream 16 kHz PCM from stdin through the voice relay",
	Long: `voice-client reads raw 16-bit little-endian 16 kHz mono PCM from stdin,
sends it to the relay and writes the model's 24 kHz PCM reply to stdout or --out.

Example:
  ffmpeg -i question.wav -f s16le -ar 16000 -ac 1 - | voice-client > answer.pcm`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "url", "u", "ws://localhost:3001/voice", "relay websocket URL")
	rootCmd.Flags().StringVarP(&outputPath, "out", "o", "-", "file for received audio, - for stdout")
	rootCmd.Flags().IntVar(&chunkSize, "chunk-size", client.DefaultChunkSize, "bytes per audio frame")
	rootCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "delay between frames, 0 to send as fast as possible")
	rootCmd.Flags().DurationVar(&turnTimeout, "turn-timeout", 30*time.Second, "how long to wait for the reply after input ends")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
}

// cliHandler writes audio to out and signals the end of the model's turn.
// turn_complete only counts once the input has been fully sent; earlier
// turns (for example the model answering a pause mid-stream) are ignored.
type cliHandler struct {
	client.DefaultEventHandler
	out      io.Writer
	mu       sync.Mutex
	received int64

	armed    atomic.Bool
	turnDone chan struct{}
	turnOnce sync.Once
	failed   chan struct{}
	failOnce sync.Once
}

func newCLIHandler(out io.Writer) *cliHandler {
	return &cliHandler{out: out, turnDone: make(chan struct{}), failed: make(chan struct{})}
}

// arm makes the next turn_complete end the session.
func (h *cliHandler) arm() {
	h.armed.Store(true)
}

func (h *cliHandler) OnAudio(pcm []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.out.Write(pcm)
	h.received += int64(n)
	if err != nil {
		log.Error().Err(err).Msg("failed to write audio")
	}
}

func (h *cliHandler) OnTurnComplete() {
	if !h.armed.Load() {
		log.Debug().Msg("turn_complete while still sending, ignored")
		return
	}
	h.turnOnce.Do(func() { close(h.turnDone) })
}

func (h *cliHandler) OnError(message string) {
	h.DefaultEventHandler.OnError(message)
	h.failOnce.Do(func() { close(h.failed) })
}

func run(cmd *cobra.Command, args []string) error {
	// logs go to stderr so stdout can carry audio
	if err := logging.Setup(logLevel, logging.FormatConsole, os.Stderr); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = cidpkg.WithCID(ctx, cidpkg.New())
	logger := cidpkg.Logger(ctx, log.Logger)

	c := client.NewVoiceClient(client.ClientConfig{ServerURL: serverURL, UserAgent: "voice-client/" + version})
	h := newCLIHandler(out)
	c.SetEventHandler(h)

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect() }()

	listenErr := make(chan error, 1)
	go func() { listenErr <- c.Listen(ctx) }()

	select {
	case <-c.Ready():
	case err := <-listenErr:
		return fmt.Errorf("connection ended before ready: %w", err)
	case <-h.failed:
		return fmt.Errorf("relay reported an error before ready")
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info().Str("connection_id", c.ConnectionID()).Msg("streaming audio")

	sent, err := c.StreamFromReader(ctx, os.Stdin, client.StreamOptions{
		ChunkSize:   chunkSize,
		Interval:    interval,
		EndOfStream: true,
	})
	if err != nil {
		return err
	}
	logger.Info().Int64("bytes_sent", sent).Msg("input finished, waiting for reply")
	h.arm()

	select {
	case <-h.turnDone:
	case <-h.failed:
		return fmt.Errorf("relay reported an error")
	case <-time.After(turnTimeout):
		logger.Warn().Dur("timeout", turnTimeout).Msg("no turn_complete received")
	case err := <-listenErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	h.mu.Lock()
	received := h.received
	h.mu.Unlock()
	logger.Info().Int64("bytes_received", received).Msg("done")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

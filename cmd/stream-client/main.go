// Command stream-client streams a WAV or raw PCM file to the transcription
// service in small binary frames, the way a microphone client would, and
// prints every message the server sends back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stream-transcriber/internal/audio"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
)

const (
	sampleRate  = 16000
	sampleWidth = 2
)

func main() {
	url := flag.String("url", "ws://localhost:8765/", "Streaming endpoint")
	file := flag.String("file", "", "WAV (16 kHz mono 16-bit) or raw .pcm file to stream")
	chunkSamples := flag.Int("chunk", 1024, "Samples per binary frame")
	realtime := flag.Bool("realtime", true, "Pace frames at the audio rate")
	tail := flag.Duration("tail", 5*time.Second, "How long to wait for results after the last frame")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: stream-client -file speech.wav [-url ws://host:8765/]")
		os.Exit(2)
	}

	pcm, err := loadPCM(*file)
	if err != nil {
		logger.Error("Failed to load audio", slog.String("file", *file), slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *url, pcm, *chunkSamples, *realtime, *tail); err != nil {
		logger.Error("Streaming failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// loadPCM returns raw PCM from a WAV file, or the file contents for anything else
func loadPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return data, nil
	}

	pcm, info, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if info.SampleRate != sampleRate || info.Channels != 1 {
		return nil, fmt.Errorf("expected %d Hz mono audio, got %d Hz with %d channels", sampleRate, info.SampleRate, info.Channels)
	}
	return pcm, nil
}

// chunks splits pcm into frames of chunkSamples samples; the last may be shorter
func chunks(pcm []byte, chunkSamples int) [][]byte {
	size := chunkSamples * sampleWidth
	if size <= 0 {
		size = len(pcm)
	}

	var out [][]byte
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[start:end])
	}
	return out
}

func run(ctx context.Context, logger *slog.Logger, url string, pcm []byte, chunkSamples int, realtime bool, tail time.Duration) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()
	resp.Body.Close()

	readerDone := make(chan error, 1)
	go func() {
		readerDone <- readLoop(conn, logger)
	}()

	frames := chunks(pcm, chunkSamples)
	interval := time.Duration(chunkSamples) * time.Second / sampleRate

	logger.Info("Streaming audio",
		slog.String("url", url),
		slog.Int("frames", len(frames)),
		slog.Duration("audio_duration", time.Duration(len(pcm)/sampleWidth)*time.Second/sampleRate),
	)

	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}

		if !realtime {
			continue
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return closeConn(conn)
		case err := <-readerDone:
			return err
		}
	}

	select {
	case <-time.After(tail):
	case <-ctx.Done():
	case err := <-readerDone:
		return err
	}

	return closeConn(conn)
}

// readLoop prints server messages until the connection closes
func readLoop(conn *websocket.Conn, logger *slog.Logger) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				logger.Info("Server closed connection",
					slog.Int("code", closeErr.Code),
					slog.String("reason", closeErr.Text),
				)
				if closeErr.Code == protocol.ClosePolicyViolation {
					return fmt.Errorf("rejected: %s", closeErr.Text)
				}
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		printMessage(os.Stdout, logger, string(data))
	}
}

// printMessage writes transcripts to out and logs server notices
func printMessage(out io.Writer, logger *slog.Logger, msg string) {
	switch kind := protocol.Classify(msg); kind {
	case protocol.KindTranscript:
		fmt.Fprintln(out, msg)
	case protocol.KindConnected:
		id, _ := protocol.ParseConnectedNotice(msg)
		logger.Info("Connected", slog.String("session_id", id))
	case protocol.KindBackpressure:
		seq, err := protocol.ParseBackpressureNotice(msg)
		if err != nil {
			logger.Warn("Malformed server notice", slog.String("message", msg))
			return
		}
		logger.Warn("Server dropped audio window", slog.Uint64("window", seq))
	default:
		logger.Warn("Server notice", slog.String("kind", kind.String()), slog.String("message", msg))
	}
}

// closeConn performs the closing handshake
func closeConn(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}

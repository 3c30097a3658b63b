// Command mock-engine is a stand-in for a Whisper-compatible inference server.
// It accepts the same multipart uploads as /v1/audio/transcriptions and
// answers with a fixed transcription, which is enough to run the service
// end to end without a model.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/skypro1111/stream-transcriber/internal/audio"
)

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type mockEngine struct {
	text     string
	language string
	delay    time.Duration
	logger   *slog.Logger
}

func (m *mockEngine) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	info, err := audio.GetWAVInfo(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = m.language
	}

	m.logger.Info("Transcription request received",
		slog.String("filename", header.Filename),
		slog.Int("audio_size", len(data)),
		slog.Uint64("sample_rate", uint64(info.SampleRate)),
		slog.Float64("duration", info.Duration),
		slog.String("model", r.FormValue("model")),
		slog.String("language", language),
		slog.String("response_format", r.FormValue("response_format")),
	)

	// Simulate inference time
	time.Sleep(m.delay)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transcriptionResponse{
		Text:     m.text,
		Language: language,
		Duration: info.Duration,
	})
}

func (m *mockEngine) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func main() {
	addr := flag.String("addr", ":8000", "Listen address")
	text := flag.String("text", "Це тестова транскрипція аудіо фрагменту", "Transcription returned for every request")
	language := flag.String("language", "uk", "Language reported when the request has none")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated inference time")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	m := &mockEngine{text: *text, language: *language, delay: *delay, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/audio/transcriptions", m.handleTranscribe)
	mux.HandleFunc("/health", m.handleHealth)

	logger.Info("Mock transcription engine starting",
		slog.String("address", *addr),
		slog.String("endpoint", "/v1/audio/transcriptions"),
	)

	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

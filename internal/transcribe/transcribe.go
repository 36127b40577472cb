// Package transcribe converts voice messages to text before they enter
// a conversation.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
)

// ErrEmptyAudio is returned when there is nothing to transcribe.
var ErrEmptyAudio = errors.New("empty audio")

// Transcriber turns an audio stream into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// Whisper transcribes through the OpenAI audio API.
type Whisper struct {
	api      *openai.Client
	model    string
	language string
	logger   *slog.Logger
}

// NewWhisper creates a Whisper transcriber. An empty model means
// whisper-1; an empty language lets the service detect it.
func NewWhisper(api *openai.Client, model, language string, logger *slog.Logger) *Whisper {
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Whisper{
		api:      api,
		model:    model,
		language: language,
		logger:   logger.With("component", "transcribe"),
	}
}

// Transcribe uploads audio and returns the trimmed transcript.
func (w *Whisper) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if audio == nil {
		return "", ErrEmptyAudio
	}
	if filename == "" {
		filename = "voice.ogg"
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(audio, filepath.Base(filename), contentType(filename)),
		Model: openai.AudioModel(w.model),
	}
	if w.language != "" {
		params.Language = openai.String(w.language)
	}

	start := time.Now()
	resp, err := w.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("transcription failed (%d): %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	w.logger.Debug("voice transcribed",
		"model", w.model,
		"chars", len(text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return text, nil
}

func contentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3", ".mpga", ".mpeg":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/ogg"
	}
}

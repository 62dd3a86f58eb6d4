// Package speech synthesises assistant replies into audio files served under
// the media route.
package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/none34829/freya-1/internal/logger"
)

// ErrNotConfigured is returned when no speech credential is set.
var ErrNotConfigured = errors.New("speech synthesis is not configured")

// MediaPrefix is the URL path audio files are served under.
const MediaPrefix = "/media/"

// Options tunes one synthesis call. Empty fields use the synthesizer defaults.
type Options struct {
	Voice  string
	Format string
}

// Result describes a synthesised audio file.
type Result struct {
	AudioURL   string `json:"audio_url"`
	DurationMs *int64 `json:"duration_ms"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
}

// Synthesizer turns text into a playable audio reference.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts Options) (*Result, error)
}

// Config holds the OpenAI speech settings.
type Config struct {
	BaseURL  string
	APIKey   string
	Model    string
	Voice    string
	Format   string
	MediaDir string
}

// OpenAISynthesizer calls the OpenAI audio speech endpoint and writes the
// result into the media directory.
type OpenAISynthesizer struct {
	cfg    Config
	client *openai.Client
}

// Ensure OpenAISynthesizer implements Synthesizer.
var _ Synthesizer = (*OpenAISynthesizer)(nil)

// NewOpenAISynthesizer creates a synthesizer. Without an API key every call
// fails with ErrNotConfigured.
func NewOpenAISynthesizer(cfg Config) *OpenAISynthesizer {
	s := &OpenAISynthesizer{cfg: cfg}
	if cfg.APIKey == "" {
		return s
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")+"/"))
	}
	client := openai.NewClient(options...)
	s.client = &client
	logger.Debug("speech synthesizer initialized", "model", cfg.Model, "voice", cfg.Voice)
	return s
}

// Synthesize renders text and stores it as <media>/<uuid>.<format>.
func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string, opts Options) (*Result, error) {
	if s.client == nil {
		return nil, ErrNotConfigured
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("speech text is empty")
	}

	voice := firstNonEmpty(opts.Voice, s.cfg.Voice, "alloy")
	format := strings.ToLower(firstNonEmpty(opts.Format, s.cfg.Format, "mp3"))

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.cfg.Model),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormat(format),
	})
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read speech audio: %w", err)
	}

	if err := os.MkdirAll(s.cfg.MediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	name := uuid.New().String() + "." + format
	if err := os.WriteFile(filepath.Join(s.cfg.MediaDir, name), audio, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write speech audio: %w", err)
	}

	return &Result{
		AudioURL:   MediaPrefix + name,
		DurationMs: EstimateDurationMs(format, audio),
		Voice:      voice,
		Format:     format,
	}, nil
}

// pcmBytesPerSecond matches the 24kHz 16-bit mono raw PCM the speech API returns.
const pcmBytesPerSecond = 24000 * 2

// EstimateDurationMs returns the playback length for uncompressed formats and
// nil for compressed ones.
func EstimateDurationMs(format string, audio []byte) *int64 {
	switch format {
	case "pcm":
		ms := int64(len(audio)) * 1000 / pcmBytesPerSecond
		return &ms
	case "wav":
		// RIFF header: byte rate at offset 28, PCM data after the 44-byte header.
		if len(audio) < 44 {
			return nil
		}
		byteRate := int64(binary.LittleEndian.Uint32(audio[28:32]))
		if byteRate == 0 {
			return nil
		}
		ms := int64(len(audio)-44) * 1000 / byteRate
		return &ms
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

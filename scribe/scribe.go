package scribe

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

// Configuration for the Scribe service
type Config struct {
	// Certificate files for TLS. Plain HTTP when empty.
	CertFile string
	KeyFile  string

	// Directory watched for audio files to transcribe. Disabled when empty.
	InboxDir string

	// HTTP server address
	HTTPAddr string

	// Number of worker threads for processing inbox files
	Workers int

	// What WebSocket clients stream: "pcm", "wav" or an ffmpeg container name
	StreamFormat string
	// Sample layout when StreamFormat is raw PCM
	StreamPCM  audio.Format
	FFmpegPath string
}

// Scribe serves batch and streaming transcription over HTTP
type Scribe struct {
	config    Config
	pipeline  *Pipeline
	sessions  *session.Factory
	publisher Publisher

	// File system watcher
	watcher   *fsnotify.Watcher
	watchDone chan struct{}

	// Processing queue
	queue    chan TranscriptionJob
	workers  sync.WaitGroup
	stopOnce sync.Once

	// Parent of streaming passes; outlives individual requests
	baseCtx context.Context

	// HTTP/Websocket
	server    *http.Server
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader
}

// New creates a new Scribe instance
func New(cfg Config, pipeline *Pipeline, sessions *session.Factory, publisher Publisher) (*Scribe, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.StreamPCM.SampleRate == 0 {
		cfg.StreamPCM = audio.Format{SampleRate: audio.WhisperSampleRate, Channels: 1, BitsPerSample: 16}
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	s := &Scribe{
		config:    cfg,
		pipeline:  pipeline,
		sessions:  sessions,
		publisher: publisher,
		queue:     make(chan TranscriptionJob, 100),
		baseCtx:   context.Background(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if cfg.CertFile != "" {
		// Load TLS certificates
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	if cfg.InboxDir != "" {
		if err := os.MkdirAll(cfg.InboxDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create inbox directory: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
		s.watcher = watcher
	}

	s.server = &http.Server{
		Addr:      cfg.HTTPAddr,
		Handler:   s.Router(),
		TLSConfig: s.tlsConfig,
	}

	return s, nil
}

// Start begins the Scribe service and blocks until ctx is done
func (s *Scribe) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.startWorkers(ctx)

	if s.watcher != nil {
		s.watchDone = make(chan struct{})
		go func() {
			defer close(s.watchDone)
			s.watchFiles(ctx)
		}()
	}

	return s.startHTTP(ctx)
}

func (s *Scribe) startWorkers(ctx context.Context) {
	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker(ctx)
	}
}

// Stop gracefully shuts down the Scribe service
func (s *Scribe) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop(ctx)
	})
	return err
}

func (s *Scribe) stop(ctx context.Context) error {
	// The watcher is the only producer; stop it before closing the queue
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Error("Failed to close file watcher", "error", err)
		}
		if s.watchDone != nil {
			<-s.watchDone
		}
	}

	// Stop accepting new jobs
	close(s.queue)

	// Wait for workers to finish
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()

	// Wait for workers or context timeout
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop HTTP server: %w", err)
		}
	}

	if err := s.publisher.Close(); err != nil {
		return fmt.Errorf("failed to close publisher: %w", err)
	}

	return nil
}

func (s *Scribe) streamDecoder() audio.Decoder {
	return audio.NewDecoder(s.config.StreamFormat, s.config.StreamPCM, s.config.FFmpegPath)
}

func (s *Scribe) publish(ctx context.Context, id string, segments []transcript.Segment) {
	if len(segments) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, id, segments); err != nil {
		slog.Warn("Failed to publish segments", "error", err, "id", id)
	}
}

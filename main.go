package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/client"
	"github.com/bosley/dictation/config"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/logging"
	"github.com/bosley/dictation/scribe"
	"github.com/bosley/dictation/server"
	"github.com/bosley/dictation/session"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	serverAddr := flag.String("server", "", "Server address (host:port); runs the client when set")
	playFile := flag.String("play", "", "Stream a WAV file to the server instead of the microphone")
	realtime := flag.Bool("realtime", false, "Stream -play files at recording speed")
	insecureMode := flag.Bool("insecure", false, "Enable insecure mode (skip certificate verification)")
	serverCertFile := flag.String("cert", "", "Path to server certificate file (client mode)")
	listDevices := flag.Bool("list-devices", false, "List available audio input devices")
	deviceID := flag.Int("device", 0, "Audio input device ID to use")
	flag.Parse()

	if *listDevices {
		devices, err := client.ListAudioDevices()
		if err != nil {
			slog.Error("Failed to list audio devices", "error", err)
			os.Exit(1)
		}

		fmt.Println("Available audio input devices:")
		for i, device := range devices {
			fmt.Printf("[%d] %s\n", i, device.Name)
			fmt.Printf("    Max Input Channels: %d\n", device.MaxInputChannels)
			fmt.Printf("    Default Sample Rate: %f\n", device.DefaultSampleRate)
			fmt.Println()
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Debug("Received shutdown signal")
		cancel()
	}()

	if *serverAddr != "" {
		if !*insecureMode && *serverCertFile == "" {
			slog.Error("Server certificate file must be provided when not in insecure mode")
			flag.Usage()
			os.Exit(1)
		}
		if cfg.Server.Token == "" {
			slog.Error("DICTATION_TOKEN environment variable is not set")
			os.Exit(1)
		}

		clientConfig := client.Config{
			ServerAddr: *serverAddr,
			Token:      cfg.Server.Token,
			CertFile:   *serverCertFile,
			Insecure:   *insecureMode,
			DeviceID:   *deviceID,
			Realtime:   *realtime,
		}

		if *playFile != "" {
			err = client.StreamFile(ctx, clientConfig, *playFile, client.PrintSegments)
		} else {
			err = client.Launch(ctx, clientConfig, client.PrintSegments)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Client failed", "error", err)
			os.Exit(1)
		}
		slog.Debug("Program exiting")
		return
	}

	if err := runServices(ctx, cfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
	slog.Debug("Program exiting")
}

// runServices wires the capabilities into every configured transport and blocks
// until ctx is done
func runServices(ctx context.Context, cfg *config.Config) error {
	warnings, err := cfg.Validate()
	for _, warning := range warnings {
		slog.Warn(warning)
	}
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	local := engine.NewLazyTranscriber("whisper-cli", func() (engine.Transcriber, error) {
		if err := os.MkdirAll(cfg.Transcription.UploadDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create upload directory: %w", err)
		}
		return &engine.WhisperCLI{
			Path:       cfg.Whisper.Path,
			Model:      cfg.Whisper.Model,
			ModelDir:   cfg.Whisper.ModelDir,
			FFmpegPath: cfg.Whisper.FFmpegPath,
			TempDir:    cfg.Transcription.UploadDir,
		}, nil
	})

	cloud := engine.NewLazyTranscriber("openai", func() (engine.Transcriber, error) {
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("OPENAI_API_KEY not set")
		}
		o := engine.NewOpenAI(cfg.OpenAI.APIKey)
		o.BaseURL = cfg.OpenAI.BaseURL
		o.Model = cfg.OpenAI.Model
		return o, nil
	})

	diarizer := engine.NewLazyDiarizer("pyannote", func() (engine.Diarizer, error) {
		if err := os.MkdirAll(cfg.Transcription.UploadDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create upload directory: %w", err)
		}
		return &engine.Pyannote{
			Python:  cfg.Diarization.Python,
			Script:  cfg.Diarization.Script,
			HFToken: cfg.Diarization.HFToken,
			Device:  cfg.Diarization.Device,
			TempDir: cfg.Transcription.UploadDir,
		}, nil
	})

	pipeline := &scribe.Pipeline{
		Local:         local,
		Cloud:         cloud,
		Diarizer:      diarizer,
		DefaultMethod: cfg.Transcription.DefaultMethod,
	}

	streaming := local
	if cfg.Transcription.DefaultMethod == config.MethodCloud {
		streaming = cloud
	}

	sessions := &session.Factory{
		Transcriber: streaming,
		Logger:      slog.Default(),
		Options: session.Options{
			MinBuffer:      cfg.Streaming.MinBuffer,
			FlushThreshold: cfg.Streaming.FlushThreshold,
			Language:       cfg.Streaming.Language,
		},
		Registry: session.NewRegistry(),
	}
	if cfg.Streaming.Diarize {
		sessions.Diarizer = diarizer
	}

	var publisher scribe.Publisher
	var serverPublisher server.Publisher
	if cfg.Redis.Addr != "" {
		redisPublisher, err := scribe.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			return err
		}
		publisher = redisPublisher
		serverPublisher = redisPublisher
	}

	scribeService, err := scribe.New(scribe.Config{
		CertFile:     cfg.Server.CertFile,
		KeyFile:      cfg.Server.KeyFile,
		InboxDir:     cfg.Transcription.InboxDir,
		HTTPAddr:     cfg.HTTP.Addr,
		Workers:      cfg.Transcription.Workers,
		StreamFormat: cfg.Streaming.Format,
		StreamPCM:    audio.Format{SampleRate: audio.WhisperSampleRate, Channels: 1, BitsPerSample: 16},
		FFmpegPath:   cfg.Whisper.FFmpegPath,
	}, pipeline, sessions, publisher)
	if err != nil {
		return fmt.Errorf("failed to initialize Scribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scribeService.Start(gctx)
	})

	if cfg.Server.CertFile != "" && cfg.Server.Token != "" {
		streamServer := server.New(server.Config{
			Addr:          cfg.Server.Addr,
			CertFile:      cfg.Server.CertFile,
			KeyFile:       cfg.Server.KeyFile,
			Token:         cfg.Server.Token,
			RecordingsDir: cfg.Server.RecordingsDir,
			Record:        cfg.Server.Record,
		}, sessions, serverPublisher)
		g.Go(func() error {
			return streamServer.Launch(gctx)
		})
	}

	if cfg.AudioSocket.Addr != "" {
		audioSocket := server.NewAudioSocket(cfg.AudioSocket.Addr, sessions, serverPublisher)
		g.Go(func() error {
			return audioSocket.ListenAndServe(gctx)
		})
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if stopErr := scribeService.Stop(shutdownCtx); stopErr != nil {
		slog.Error("Failed to stop Scribe service", "error", stopErr)
	}

	return err
}

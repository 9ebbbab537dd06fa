// Package client streams microphone audio or WAV recordings to the dictation
// server and prints the segments it sends back.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gordonklaus/portaudio"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/server"
	"github.com/bosley/dictation/transcript"
)

const (
	calibrationDuration  = 5 * time.Second
	silenceThreshold     = 1 * time.Second
	vadThreshold         = 2.22
	backgroundBufferSize = 50

	sampleRate      = audio.RecordingSampleRate
	channels        = 1
	framesPerBuffer = 1024
)

type Config struct {
	ServerAddr string
	Token      string
	CertFile   string
	Insecure   bool
	// Input device index; 0 selects the default device
	DeviceID int
	// Replay files at recording speed instead of as fast as possible
	Realtime bool
}

// SegmentHandler receives every batch of segments the server returns
type SegmentHandler func([]transcript.Segment)

// PrintSegments writes each segment to stdout
func PrintSegments(segments []transcript.Segment) {
	for _, seg := range segments {
		fmt.Println(seg.String())
	}
}

type AudioProcessor struct {
	backgroundNoise  float64
	backgroundBuffer []float64
	isTransmitting   bool
	lastNoiseTime    time.Time
	totalSamples     int
	totalBytes       int
	logCounter       int
	clientID         uuid.UUID
}

func NewAudioProcessor() *AudioProcessor {
	return &AudioProcessor{
		backgroundBuffer: make([]float64, 0, backgroundBufferSize),
	}
}

func (ap *AudioProcessor) calibrateBackgroundNoise() {
	slog.Debug("Calibrating background noise")

	var totalAmplitude float64
	var sampleCount int

	stream, err := portaudio.OpenDefaultStream(channels, 0, sampleRate, framesPerBuffer, func(in []int16) {
		amplitude := calculateChunkAmplitude(in)
		totalAmplitude += amplitude
		sampleCount++
	})
	if err != nil {
		slog.Error("Failed to open calibration stream", "error", err)
		return
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		slog.Error("Failed to start calibration stream", "error", err)
		return
	}

	time.Sleep(calibrationDuration)

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop calibration stream", "error", err)
	}

	if sampleCount > 0 {
		ap.backgroundNoise = totalAmplitude / float64(sampleCount)
	}
	slog.Debug("Background noise calibration complete", "averageAmplitude", ap.backgroundNoise)
}

// isSpeech reports whether a chunk is loud enough relative to the running
// background level to count as speech
func (ap *AudioProcessor) isSpeech(amplitude float64) bool {
	if ap.backgroundNoise <= 0 {
		return amplitude > 0
	}
	return amplitude/ap.backgroundNoise > vadThreshold
}

func (ap *AudioProcessor) processAudioChunk(ctx context.Context, w io.Writer, chunk []int16, connClosed chan struct{}) {
	select {
	case <-ctx.Done():
		return
	default:
	}

	chunkAmplitude := calculateChunkAmplitude(chunk)
	speech := ap.isSpeech(chunkAmplitude)
	ap.updateBackgroundNoise(chunkAmplitude)

	ap.logCounter++
	if ap.logCounter%10 == 0 {
		slog.Debug("Audio chunk received",
			"chunkAmplitude", chunkAmplitude,
			"backgroundNoise", ap.backgroundNoise)
	}

	send := func() bool {
		if err := sendAudioChunk(ctx, w, chunk); err != nil {
			if isConnectionClosed(err) {
				select {
				case connClosed <- struct{}{}:
				default:
				}
				return false
			}
			slog.Error("Error sending audio chunk", "error", err)
		}
		ap.totalSamples += len(chunk)
		ap.totalBytes += len(chunk) * 2
		return true
	}

	if speech {
		ap.lastNoiseTime = time.Now()
		if !ap.isTransmitting {
			ap.isTransmitting = true
			ap.totalSamples = 0
			ap.totalBytes = 0
			slog.Info("Speech detected, starting transmission",
				"chunkAmplitude", chunkAmplitude,
				"backgroundNoise", ap.backgroundNoise)
			sendStartTransmission(w)
		}
		send()
		return
	}

	if !ap.isTransmitting {
		return
	}

	// Continue transmitting during short pauses
	if !send() {
		return
	}

	if time.Since(ap.lastNoiseTime) > silenceThreshold {
		ap.isTransmitting = false
		slog.Info("Extended silence detected, stopping transmission",
			"totalSamples", ap.totalSamples,
			"totalBytes", ap.totalBytes)
		sendEndTransmission(w)
	}
}

func (ap *AudioProcessor) updateBackgroundNoise(amplitude float64) {
	if len(ap.backgroundBuffer) >= backgroundBufferSize {
		ap.backgroundBuffer = ap.backgroundBuffer[1:]
	}
	ap.backgroundBuffer = append(ap.backgroundBuffer, amplitude)

	// Calculate new background noise level
	var sum float64
	for _, a := range ap.backgroundBuffer {
		sum += a
	}
	ap.backgroundNoise = sum / float64(len(ap.backgroundBuffer))
}

func calculateChunkAmplitude(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var totalAmplitude float64
	for _, sample := range chunk {
		totalAmplitude += math.Abs(float64(sample))
	}
	return totalAmplitude / float64(len(chunk))
}

func sendStartTransmission(w io.Writer) {
	if _, err := w.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}); err != nil {
		slog.Error("Failed to send start transmission marker", "error", err)
	}
}

func sendEndTransmission(w io.Writer) {
	if _, err := w.Write([]byte{0x00, 0x00, 0x00, 0x00}); err != nil {
		slog.Error("Failed to send end transmission marker", "error", err)
	}
}

// sendAudioChunk writes the chunk as one frame: a big-endian byte count followed by
// little-endian samples
func sendAudioChunk(ctx context.Context, w io.Writer, chunk []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame := make([]byte, 4+len(chunk)*2)
	binary.BigEndian.PutUint32(frame, uint32(len(chunk)*2))
	for i, sample := range chunk {
		binary.LittleEndian.PutUint16(frame[4+i*2:], uint16(sample))
	}
	_, err := w.Write(frame)
	return err
}

func isConnectionClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrDeadlineExceeded) || isBrokenPipe(err)
}

func isBrokenPipe(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Err != nil && netErr.Err.Error() == "broken pipe"
}

// receiveSegments reads server replies until the connection ends
func receiveSegments(r io.Reader, handle SegmentHandler) error {
	for {
		segments, err := server.ReadSegments(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		handle(segments)
	}
}

func ListAudioDevices() ([]portaudio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	// Filter to only input devices
	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}

// connect dials the server, authenticates and returns the session ID it assigned
func connect(ctx context.Context, cfg Config) (*tls.Conn, uuid.UUID, error) {
	tlsConfig, err := createTLSConfig(cfg.Insecure, cfg.CertFile)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to create TLS config: %w", err)
	}

	dialer := &tls.Dialer{
		Config: tlsConfig,
	}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	conn := netConn.(*tls.Conn)

	if _, err := conn.Write([]byte(cfg.Token)); err != nil {
		conn.Close()
		return nil, uuid.Nil, fmt.Errorf("failed to send token to server: %w", err)
	}

	clientID, err := receiveClientID(conn)
	if err != nil {
		conn.Close()
		return nil, uuid.Nil, fmt.Errorf("failed to receive client ID: %w", err)
	}
	slog.Info("Received client ID", "clientID", clientID)

	return conn, clientID, nil
}

// Launch captures the microphone and streams detected speech until ctx is done
// or the server goes away.
func Launch(ctx context.Context, cfg Config, handle SegmentHandler) error {
	slog.Debug("Starting client",
		"serverAddress", cfg.ServerAddr,
		"deviceID", cfg.DeviceID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, clientID, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	connClosed := make(chan struct{}, 1)

	go func() {
		if err := receiveSegments(conn, handle); err != nil {
			slog.Error("Failed to read segments", "error", err)
		}
		select {
		case connClosed <- struct{}{}:
		default:
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-connClosed:
			slog.Error("Server connection lost")
			cancel()
		}
	}()

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	inputParams, err := inputParameters(cfg.DeviceID)
	if err != nil {
		return err
	}

	ap := NewAudioProcessor()
	ap.clientID = clientID
	ap.calibrateBackgroundNoise()

	stream, err := portaudio.OpenStream(inputParams, func(in []int16) {
		ap.processAudioChunk(ctx, conn, in, connClosed)
	})
	if err != nil {
		return fmt.Errorf("failed to open audio stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start audio stream: %w", err)
	}

	<-ctx.Done()
	slog.Debug("Client shutting down")

	if err := stream.Stop(); err != nil {
		slog.Error("Failed to stop audio stream", "error", err)
	}
	if ap.isTransmitting {
		sendEndTransmission(conn)
	}
	return nil
}

func inputParameters(deviceID int) (portaudio.StreamParameters, error) {
	var device *portaudio.DeviceInfo

	if deviceID > 0 { // Only use specific device if explicitly requested (non-zero)
		devices, err := portaudio.Devices()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get audio devices: %w", err)
		}
		if deviceID >= len(devices) {
			return portaudio.StreamParameters{}, fmt.Errorf("invalid device ID %d", deviceID)
		}

		device = devices[deviceID]
		if device.MaxInputChannels == 0 {
			return portaudio.StreamParameters{}, fmt.Errorf("device %d (%s) is not an input device", deviceID, device.Name)
		}
		slog.Info("Using specified audio device",
			"deviceID", deviceID,
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	} else {
		var err error
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return portaudio.StreamParameters{}, fmt.Errorf("failed to get default input device: %w", err)
		}
		slog.Info("Using default audio device",
			"deviceName", device.Name,
			"sampleRate", device.DefaultSampleRate,
			"inputChannels", device.MaxInputChannels)
	}

	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: channels,
			Latency:  device.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: framesPerBuffer,
	}, nil
}

func receiveClientID(r io.Reader) (uuid.UUID, error) {
	idBytes := make([]byte, 16)
	if _, err := io.ReadFull(r, idBytes); err != nil {
		return uuid.Nil, err
	}
	return uuid.FromBytes(idBytes)
}

func createTLSConfig(insecureMode bool, serverCertFile string) (*tls.Config, error) {
	if insecureMode {
		slog.Warn("Running in insecure mode. This should not be used in production!")
		return &tls.Config{InsecureSkipVerify: true}, nil
	}

	// Load the server's certificate
	certPEM, err := os.ReadFile(serverCertFile)
	if err != nil {
		return nil, err
	}

	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("failed to append server certificate")
	}

	return &tls.Config{
		RootCAs: certPool,
	}, nil
}

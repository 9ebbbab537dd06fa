// Package server accepts raw audio streams over TLS and Asterisk AudioSocket and
// drives one transcription session per connection.
package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

const (
	defaultServerAddr = "localhost:8443"

	// Stream markers; anything else is the length of a chunk that follows
	markerStart = 0xFFFFFFFF
	markerEnd   = 0x00000000

	// Largest chunk a client may announce
	maxChunkSize = 1 << 20

	// Transmissions shorter than this are not kept as recordings
	minRecording = time.Second
)

// Publisher receives every batch of segments a connection produces
type Publisher interface {
	Publish(ctx context.Context, id string, segments []transcript.Segment) error
}

type Config struct {
	Addr     string
	CertFile string
	KeyFile  string
	Token    string

	// Transmissions are kept as WAV files under RecordingsDir when Record is set
	RecordingsDir string
	Record        bool
}

// Server speaks the token-authenticated streaming protocol used by the client
type Server struct {
	config    Config
	sessions  *session.Factory
	publisher Publisher
	conns     *connSet
}

func New(cfg Config, sessions *session.Factory, publisher Publisher) *Server {
	if cfg.Addr == "" {
		cfg.Addr = defaultServerAddr
	}
	if cfg.RecordingsDir == "" {
		cfg.RecordingsDir = "recordings"
	}
	return &Server{
		config:    cfg,
		sessions:  sessions,
		publisher: publisher,
		conns:     newConnSet(),
	}
}

// Launch listens with TLS on the configured address and serves until ctx is done
func (s *Server) Launch(ctx context.Context) error {
	slog.Debug("Starting server", "address", s.config.Addr)

	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		slog.Error("Please ensure you're using proper TLS certificates. If you're testing locally, you can generate self-signed certificates.")
		return fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	listener, err := tls.Listen("tcp", s.config.Addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start TLS server: %w", err)
	}

	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done, then closes every
// open connection and waits for its handler.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	slog.Info("Streaming server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		slog.Debug("Server shutting down")
		listener.Close()
		s.conns.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				slog.Debug("Server stopped accepting new connections")
				s.conns.wait()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.conns.wait()
				return nil
			}
			slog.Error("Failed to accept connection", "error", err)
			continue
		}

		s.conns.add(conn)
		go func() {
			defer s.conns.remove(conn)
			s.handleNewConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleNewConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tokenBuffer := make([]byte, len(s.config.Token))
	if _, err := io.ReadFull(conn, tokenBuffer); err != nil {
		slog.Error("Failed to read token from client", "error", err, "remoteAddr", conn.RemoteAddr())
		return
	}

	if subtle.ConstantTimeCompare(tokenBuffer, []byte(s.config.Token)) != 1 {
		slog.Warn("Invalid token received", "remoteAddr", conn.RemoteAddr())
		return
	}

	sess := s.sessions.Open(audio.NewPCMDecoder(audio.RecordingFormat),
		"transport", "tls",
		"remoteAddr", conn.RemoteAddr().String())
	defer s.sessions.Close(sess)

	s.handleConnection(ctx, conn, sess)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn, sess *session.Session) {
	clientID := sess.ID()
	slog.Debug("New client connected", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
	defer slog.Debug("Client connection closed", "clientID", clientID, "remoteAddr", conn.RemoteAddr())

	if err := sendClientID(conn, clientID); err != nil {
		slog.Error("Failed to send client ID", "error", err, "clientID", clientID)
		return
	}

	var rec *recording
	isReceivingTransmission := false

	defer func() {
		if rec != nil {
			rec.incomplete()
		}
	}()

	reply := func(segments []transcript.Segment) bool {
		if len(segments) == 0 {
			return true
		}
		if s.publisher != nil {
			if err := s.publisher.Publish(ctx, clientID.String(), segments); err != nil {
				slog.Warn("Failed to publish segments", "error", err, "clientID", clientID)
			}
		}
		if err := writeSegments(conn, segments); err != nil {
			slog.Error("Failed to send segments", "error", err, "clientID", clientID)
			return false
		}
		return true
	}

	marker := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, marker); err != nil {
			if errors.Is(err, io.EOF) {
				slog.Debug("Client disconnected", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			} else {
				slog.Error("Failed to read marker", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			}
			return
		}

		switch value := binary.BigEndian.Uint32(marker); value {
		case markerStart:
			isReceivingTransmission = true
			sess.Reset()

			if rec != nil {
				rec.incomplete()
				rec = nil
			}
			if s.config.Record {
				var err error
				rec, err = startRecording(s.config.RecordingsDir, clientID)
				if err != nil {
					slog.Error("Failed to create WAV file", "error", err, "clientID", clientID)
				}
			}

			slog.Info("Started receiving new transmission", "clientID", clientID, "remoteAddr", conn.RemoteAddr())

		case markerEnd:
			isReceivingTransmission = false

			if !reply(sess.Flush(ctx)) {
				return
			}

			if rec != nil {
				rec.finish()
				rec = nil
			}

			slog.Info("Finished receiving transmission",
				"offset", sess.Offset(),
				"clientID", clientID,
				"remoteAddr", conn.RemoteAddr())

		default:
			if value > maxChunkSize {
				slog.Error("Chunk too large", "size", value, "clientID", clientID)
				return
			}

			chunkData := make([]byte, value)
			if _, err := io.ReadFull(conn, chunkData); err != nil {
				slog.Error("Failed to read chunk data", "error", err, "clientID", clientID, "remoteAddr", conn.RemoteAddr())
				return
			}

			if !isReceivingTransmission {
				slog.Debug("Dropping chunk outside a transmission", "bytes", value, "clientID", clientID)
				continue
			}

			if rec != nil {
				rec.write(chunkData)
			}

			if !reply(sess.AddChunk(ctx, chunkData)) {
				return
			}
		}

		select {
		case <-ctx.Done():
			slog.Debug("Connection handler shutting down", "clientID", clientID, "remoteAddr", conn.RemoteAddr())
			return
		default:
		}
	}
}

func sendClientID(conn net.Conn, clientID uuid.UUID) error {
	_, err := conn.Write(clientID[:])
	return err
}

// writeSegments sends a big-endian length followed by a JSON array of segments
func writeSegments(w io.Writer, segments []transcript.Segment) error {
	data, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("failed to marshal segments: %w", err)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	_, err = w.Write(frame)
	return err
}

// ReadSegments reads one reply written by the server
func ReadSegments(r io.Reader) ([]transcript.Segment, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size > maxChunkSize {
		return nil, fmt.Errorf("segment reply too large: %d bytes", size)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read segment reply: %w", err)
	}

	var segments []transcript.Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, fmt.Errorf("failed to decode segment reply: %w", err)
	}
	return segments, nil
}

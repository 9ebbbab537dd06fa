package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/CyCoreSystems/audiosocket"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

// AudioSocket transcribes Asterisk calls delivered over the AudioSocket protocol.
// Segments are published under the call ID Asterisk assigned.
type AudioSocket struct {
	Addr      string
	Sessions  *session.Factory
	Publisher Publisher

	conns *connSet
}

func NewAudioSocket(addr string, sessions *session.Factory, publisher Publisher) *AudioSocket {
	return &AudioSocket{
		Addr:      addr,
		Sessions:  sessions,
		Publisher: publisher,
		conns:     newConnSet(),
	}
}

func (a *AudioSocket) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", a.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen for audiosocket: %w", err)
	}
	return a.Serve(ctx, listener)
}

func (a *AudioSocket) Serve(ctx context.Context, listener net.Listener) error {
	slog.Info("AudioSocket listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		listener.Close()
		a.conns.closeAll()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				a.conns.wait()
				return nil
			}
			slog.Error("Failed to accept audiosocket connection", "error", err)
			continue
		}

		a.conns.add(conn)
		go func() {
			defer a.conns.remove(conn)
			a.handleCall(ctx, conn)
		}()
	}
}

func (a *AudioSocket) handleCall(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	callID, err := audiosocket.GetID(conn)
	if err != nil {
		slog.Error("Failed to get call ID", "error", err, "remoteAddr", conn.RemoteAddr())
		return
	}

	sess := a.Sessions.Open(audio.NewPCMDecoder(audio.AudioSocketFormat),
		"transport", "audiosocket",
		"callID", callID.String())
	defer a.Sessions.Close(sess)

	slog.Info("Call started", "callID", callID, "sessionID", sess.ID())

	for {
		msg, err := audiosocket.NextMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Error("Failed to read audiosocket message", "error", err, "callID", callID)
			}
			break
		}

		done, err := a.handleMessage(ctx, sess, callID.String(), msg)
		if err != nil {
			slog.Error("Error handling audiosocket message", "error", err, "callID", callID)
			break
		}
		if done {
			slog.Info("Received hangup", "callID", callID)
			break
		}
	}

	a.publish(ctx, callID.String(), sess.Flush(ctx))
	slog.Info("Call ended", "callID", callID, "offset", sess.Offset())
}

// handleMessage feeds one message to the session; it reports true on hangup
func (a *AudioSocket) handleMessage(ctx context.Context, sess *session.Session, callID string, msg audiosocket.Message) (bool, error) {
	switch msg.Kind() {
	case audiosocket.KindSlin:
		if payload := msg.Payload(); len(payload) > 0 {
			a.publish(ctx, callID, sess.AddChunk(ctx, payload))
		}

	case audiosocket.KindDTMF:
		if payload := msg.Payload(); len(payload) > 0 {
			slog.Debug("DTMF digit", "callID", callID, "digit", string(payload[0]))
		}

	case audiosocket.KindSilence:
		slog.Debug("Silence detected", "callID", callID)

	case audiosocket.KindHangup:
		return true, nil

	case audiosocket.KindError:
		return false, fmt.Errorf("received error code: %d", msg.ErrorCode())
	}

	return false, nil
}

func (a *AudioSocket) publish(ctx context.Context, callID string, segments []transcript.Segment) {
	if len(segments) == 0 {
		return
	}
	for _, seg := range segments {
		slog.Info("Transcript", "callID", callID, "speaker", seg.Speaker, "start", seg.Start, "text", seg.Text)
	}
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.Publish(ctx, callID, segments); err != nil {
		slog.Warn("Failed to publish segments", "error", err, "callID", callID)
	}
}

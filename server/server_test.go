package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CyCoreSystems/audiosocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

type fakeTranscriber struct{}

func (fakeTranscriber) Name() string    { return "fake" }
func (fakeTranscriber) Available() bool { return true }
func (fakeTranscriber) Transcribe(ctx context.Context, clip audio.Clip, language string) (engine.Result, error) {
	return engine.Result{Fragments: []transcript.Fragment{{Start: 0, End: 0.25, Text: "hello"}}}, nil
}

type capturePublisher struct {
	mu      sync.Mutex
	batches map[string][][]transcript.Segment
}

func (p *capturePublisher) Publish(ctx context.Context, id string, segments []transcript.Segment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.batches == nil {
		p.batches = make(map[string][][]transcript.Segment)
	}
	p.batches[id] = append(p.batches[id], segments)
	return nil
}

func (p *capturePublisher) count(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches[id])
}

func newFactory() (*session.Factory, *session.Registry) {
	registry := session.NewRegistry()
	return &session.Factory{
		Transcriber: fakeTranscriber{},
		Options:     session.DefaultOptions(),
		Registry:    registry,
	}, registry
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return listener
}

func seconds(s float64, format audio.Format) []byte {
	return make([]byte, int(s*float64(format.SampleRate))*format.BlockAlign())
}

func marker(value uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, value)
	return b
}

func chunk(data []byte) []byte {
	return append(marker(uint32(len(data))), data...)
}

func TestStreamingProtocol(t *testing.T) {
	factory, registry := newFactory()
	publisher := &capturePublisher{}
	srv := New(Config{Token: "secret"}, factory, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	listener := listen(t)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = conn.Write([]byte("secret"))
	require.NoError(t, err)

	idBytes := make([]byte, 16)
	_, err = io.ReadFull(conn, idBytes)
	require.NoError(t, err)
	id, err := uuid.FromBytes(idBytes)
	require.NoError(t, err)

	_, ok := registry.Get(id)
	assert.True(t, ok)

	// Three seconds crosses the minimum buffer and is answered straight away
	_, err = conn.Write(marker(markerStart))
	require.NoError(t, err)
	_, err = conn.Write(chunk(seconds(3, audio.RecordingFormat)))
	require.NoError(t, err)

	segments, err := ReadSegments(conn)
	require.NoError(t, err)
	assert.Equal(t, []transcript.Segment{
		{Speaker: transcript.DefaultSpeaker, Start: 0, End: 0.25, Text: "hello"},
	}, segments)

	// The end marker flushes what is left
	_, err = conn.Write(chunk(seconds(0.5, audio.RecordingFormat)))
	require.NoError(t, err)
	_, err = conn.Write(marker(markerEnd))
	require.NoError(t, err)

	segments, err = ReadSegments(conn)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 3.0, segments[0].Start)

	assert.Equal(t, 2, publisher.count(id.String()))

	// A new transmission starts a fresh timeline
	_, err = conn.Write(marker(markerStart))
	require.NoError(t, err)
	_, err = conn.Write(chunk(seconds(2, audio.RecordingFormat)))
	require.NoError(t, err)
	segments, err = ReadSegments(conn)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 0.0, segments[0].Start)

	conn.Close()
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestInvalidToken(t *testing.T) {
	factory, registry := newFactory()
	srv := New(Config{Token: "secret"}, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := listen(t)
	go srv.Serve(ctx, listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("wrong!"))
	require.NoError(t, err)

	_, err = io.ReadFull(conn, make([]byte, 16))
	assert.Error(t, err)
	assert.Zero(t, registry.Len())
}

func TestChunkOutsideTransmissionIsSkipped(t *testing.T) {
	factory, _ := newFactory()
	srv := New(Config{Token: "t"}, factory, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := listen(t)
	go srv.Serve(ctx, listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = conn.Write([]byte("t"))
	require.NoError(t, err)
	_, err = io.ReadFull(conn, make([]byte, 16))
	require.NoError(t, err)

	// Framing survives the dropped chunk
	_, err = conn.Write(chunk(seconds(3, audio.RecordingFormat)))
	require.NoError(t, err)
	_, err = conn.Write(marker(markerStart))
	require.NoError(t, err)
	_, err = conn.Write(chunk(seconds(2, audio.RecordingFormat)))
	require.NoError(t, err)

	segments, err := ReadSegments(conn)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 0.0, segments[0].Start)
}

func TestWriteAndReadSegments(t *testing.T) {
	var buf bytes.Buffer
	want := []transcript.Segment{{Speaker: "A", Start: 1, End: 2, Text: "hi"}}
	require.NoError(t, writeSegments(&buf, want))

	assert.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))

	got, err := ReadSegments(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = ReadSegments(bytes.NewReader(marker(maxChunkSize + 1)))
	assert.Error(t, err)
}

func TestRecording(t *testing.T) {
	root := t.TempDir()
	clientID := uuid.New()

	rec, err := startRecording(root, clientID)
	require.NoError(t, err)
	assert.Equal(t, ".tmp", filepath.Ext(rec.file.Name()))

	data := seconds(1, audio.RecordingFormat)
	rec.write(data)
	rec.started = time.Now().Add(-2 * time.Second)
	rec.finish()

	final := rec.final()
	assert.Equal(t, ".wav", filepath.Ext(final))
	assert.Equal(t, recordingDir(root, clientID), filepath.Dir(final))

	contents, err := os.ReadFile(final)
	require.NoError(t, err)
	duration, err := audio.NewWAVDecoder().Duration(context.Background(), contents)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, duration, 0.001)

	_, err = os.Stat(rec.file.Name())
	assert.True(t, os.IsNotExist(err))
}

func TestShortRecordingIsDiscarded(t *testing.T) {
	root := t.TempDir()
	rec, err := startRecording(root, uuid.New())
	require.NoError(t, err)

	rec.write(seconds(0.1, audio.RecordingFormat))
	rec.finish()

	entries, err := os.ReadDir(filepath.Dir(rec.file.Name()))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIncompleteRecording(t *testing.T) {
	root := t.TempDir()
	rec, err := startRecording(root, uuid.New())
	require.NoError(t, err)

	rec.write(seconds(0.5, audio.RecordingFormat))
	rec.started = time.Now().Add(-2 * time.Second)
	rec.incomplete()

	_, err = os.Stat(rec.final() + ".incomplete")
	assert.NoError(t, err)
}

func TestAudioSocketCall(t *testing.T) {
	factory, registry := newFactory()
	publisher := &capturePublisher{}
	as := NewAudioSocket("", factory, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := listen(t)
	go as.Serve(ctx, listener)

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	callID := uuid.New()
	_, err = conn.Write(audiosocket.IDMessage(callID))
	require.NoError(t, err)

	// Two seconds of 8kHz audio, then half a second left for the hangup flush
	_, err = conn.Write(audiosocket.SlinMessage(seconds(2, audio.AudioSocketFormat)))
	require.NoError(t, err)
	_, err = conn.Write(audiosocket.SlinMessage(seconds(0.5, audio.AudioSocketFormat)))
	require.NoError(t, err)
	_, err = conn.Write(audiosocket.HangupMessage())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return publisher.count(callID.String()) == 2 && registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	last := publisher.batches[callID.String()][1]
	require.Len(t, last, 1)
	assert.Equal(t, 2.0, last[0].Start)
}

func TestConnSet(t *testing.T) {
	cs := newConnSet()
	a, b := net.Pipe()
	defer b.Close()

	cs.add(a)
	assert.Equal(t, 1, cs.len())

	cs.closeAll()
	_, err := a.Write([]byte{1})
	assert.Error(t, err)

	cs.remove(a)
	cs.remove(a)
	assert.Zero(t, cs.len())
	cs.wait()
}

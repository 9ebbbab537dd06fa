package scribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/config"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/session"
	"github.com/bosley/dictation/transcript"
)

type fakeTranscriber struct {
	name      string
	available bool
	result    engine.Result
	err       error

	mu        sync.Mutex
	languages []string
}

func (f *fakeTranscriber) Name() string    { return f.name }
func (f *fakeTranscriber) Available() bool { return f.available }
func (f *fakeTranscriber) Transcribe(ctx context.Context, clip audio.Clip, language string) (engine.Result, error) {
	f.mu.Lock()
	f.languages = append(f.languages, language)
	f.mu.Unlock()
	return f.result, f.err
}

type fakeDiarizer struct {
	turns []transcript.Turn
	err   error
}

func (d *fakeDiarizer) Name() string    { return "fake-diarizer" }
func (d *fakeDiarizer) Available() bool { return true }
func (d *fakeDiarizer) Diarize(ctx context.Context, clip audio.Clip) ([]transcript.Turn, error) {
	return d.turns, d.err
}

var threeFragments = []transcript.Fragment{
	{Start: 0, End: 1, Text: "hi"},
	{Start: 1, End: 2, Text: "there"},
	{Start: 2, End: 3, Text: "bye"},
}

func localTranscriber(fragments ...transcript.Fragment) *fakeTranscriber {
	return &fakeTranscriber{
		name:      "local",
		available: true,
		result:    engine.Result{Fragments: fragments},
	}
}

func TestPipelineWithDiarization(t *testing.T) {
	p := &Pipeline{
		Local: localTranscriber(threeFragments...),
		Diarizer: &fakeDiarizer{turns: []transcript.Turn{
			{Start: 0, End: 2, Speaker: "SPEAKER_00"},
			{Start: 2, End: 4, Speaker: "SPEAKER_01"},
		}},
		DefaultMethod: config.MethodLocal,
	}

	result, err := p.Transcribe(context.Background(), audio.Clip{}, Request{Diarize: true})
	require.NoError(t, err)

	assert.Equal(t, []transcript.Segment{
		{Speaker: "SPEAKER_00", Start: 0, End: 2, Text: "hi there"},
		{Speaker: "SPEAKER_01", Start: 2, End: 3, Text: "bye"},
	}, result.Segments)
	assert.Equal(t, "hi there bye", result.Text)
	assert.Equal(t, 3.0, result.Duration)
}

func TestPipelineWithoutDiarization(t *testing.T) {
	diarizer := &fakeDiarizer{turns: []transcript.Turn{{Start: 0, End: 3, Speaker: "A"}}}
	p := &Pipeline{
		Local:         localTranscriber(threeFragments...),
		Diarizer:      diarizer,
		DefaultMethod: config.MethodLocal,
	}

	result, err := p.Transcribe(context.Background(), audio.Clip{}, Request{Diarize: false})
	require.NoError(t, err)

	require.Len(t, result.Segments, 3)
	for _, seg := range result.Segments {
		assert.Equal(t, transcript.DefaultSpeaker, seg.Speaker)
	}
}

func TestPipelineDiarizerFailure(t *testing.T) {
	p := &Pipeline{
		Local:         localTranscriber(threeFragments...),
		Diarizer:      &fakeDiarizer{err: errors.New("model exploded")},
		DefaultMethod: config.MethodLocal,
	}

	result, err := p.Transcribe(context.Background(), audio.Clip{}, Request{Diarize: true})
	require.NoError(t, err)
	require.Len(t, result.Segments, 3)
	assert.Equal(t, transcript.DefaultSpeaker, result.Segments[0].Speaker)
}

func TestPipelineMethodSelection(t *testing.T) {
	local := localTranscriber(transcript.Fragment{Start: 0, End: 1, Text: "local"})
	cloud := &fakeTranscriber{
		name:      "cloud",
		available: true,
		result:    engine.Result{Fragments: []transcript.Fragment{{Start: 0, End: 1, Text: "cloud"}}, Language: "en"},
	}
	p := &Pipeline{Local: local, Cloud: cloud, DefaultMethod: config.MethodCloud}

	result, err := p.Transcribe(context.Background(), audio.Clip{}, Request{})
	require.NoError(t, err)
	assert.Equal(t, "cloud", result.Text)
	assert.Equal(t, "en", result.Language)

	result, err = p.Transcribe(context.Background(), audio.Clip{}, Request{Method: config.MethodLocal, Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, "local", result.Text)
	assert.Equal(t, "de", result.Language)
	assert.Equal(t, []string{"de"}, local.languages)
}

func TestPipelineErrors(t *testing.T) {
	p := &Pipeline{
		Local:         &fakeTranscriber{name: "local"},
		DefaultMethod: config.MethodLocal,
	}

	_, err := p.Transcribe(context.Background(), audio.Clip{}, Request{})
	assert.ErrorIs(t, err, engine.ErrUnavailable)

	_, err = p.Transcribe(context.Background(), audio.Clip{}, Request{Method: config.MethodCloud})
	assert.ErrorIs(t, err, engine.ErrUnavailable)

	_, err = p.Transcribe(context.Background(), audio.Clip{}, Request{Method: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownMethod)

	p.Local = &fakeTranscriber{name: "local", available: true, err: errors.New("boom")}
	_, err = p.Transcribe(context.Background(), audio.Clip{}, Request{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrUnavailable)
}

func TestHealth(t *testing.T) {
	p := &Pipeline{Local: localTranscriber(), DefaultMethod: config.MethodLocal}
	health := p.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.WhisperAvailable)
	assert.False(t, health.CloudAvailable)
	assert.False(t, health.DiarizationAvailable)
}

// slowPCM makes one second of audio twenty bytes
var slowPCM = audio.Format{SampleRate: 10, Channels: 1, BitsPerSample: 16}

func newTestScribe(t *testing.T, tr engine.Transcriber, cfg Config) (*Scribe, *session.Registry) {
	t.Helper()

	registry := session.NewRegistry()
	factory := &session.Factory{
		Transcriber: tr,
		Options:     session.DefaultOptions(),
		Registry:    registry,
	}
	pipeline := &Pipeline{Local: tr, DefaultMethod: config.MethodLocal}

	if cfg.StreamFormat == "" {
		cfg.StreamFormat = "pcm"
		cfg.StreamPCM = slowPCM
	}

	s, err := New(cfg, pipeline, factory, nil)
	require.NoError(t, err)
	return s, registry
}

func uploadRequest(t *testing.T, url, filename string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func TestHandleTranscribe(t *testing.T) {
	s, _ := newTestScribe(t, localTranscriber(threeFragments...), Config{})
	router := s.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/api/transcribe?enable_diarization=false", "clip.wav", []byte("RIFF")))
	require.Equal(t, http.StatusOK, rec.Code)

	var result TranscriptionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "hi there bye", result.Text)
	assert.Len(t, result.Segments, 3)

	// Legacy path
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, uploadRequest(t, "/transcribe", "clip.mp3", []byte("ID3")))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleTranscribeErrors(t *testing.T) {
	s, _ := newTestScribe(t, localTranscriber(threeFragments...), Config{})
	router := s.Router()

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{
			name:   "missing file",
			req:    httptest.NewRequest(http.MethodPost, "/api/transcribe", strings.NewReader("")),
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown method",
			req:    uploadRequest(t, "/api/transcribe?method=smoke-signals", "clip.wav", []byte("x")),
			status: http.StatusBadRequest,
		},
		{
			name:   "cloud not configured",
			req:    uploadRequest(t, "/api/transcribe?method=cloud", "clip.wav", []byte("x")),
			status: http.StatusBadRequest,
		},
		{
			name:   "bad diarization flag",
			req:    uploadRequest(t, "/api/transcribe?enable_diarization=maybe", "clip.wav", []byte("x")),
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestHandleTranscribeEngineFailure(t *testing.T) {
	tr := &fakeTranscriber{name: "local", available: true, err: errors.New("boom")}
	s, _ := newTestScribe(t, tr, Config{})

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, uploadRequest(t, "/api/transcribe", "clip.wav", []byte("x")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	s, registry := newTestScribe(t, localTranscriber(), Config{})
	router := s.Router()

	sess := s.sessions.Open(audio.NewPCMDecoder(slowPCM))
	defer s.sessions.Close(sess)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []session.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, sess.ID().String(), infos[0].ID)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/"+sess.ID().String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/6f1c8a4e-3b9d-4c1e-9a51-0d2f7c3e8b10", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, registry.Len(), health.Sessions)
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestStream(t *testing.T) {
	tr := localTranscriber(transcript.Fragment{Start: 0, End: 1, Text: "hello"})
	s, registry := newTestScribe(t, tr, Config{})

	server := httptest.NewServer(s.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/stream?language=fr"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readMessage(t, conn)
	assert.Equal(t, "session", hello.Type)
	require.NotEmpty(t, hello.SessionID)
	assert.Equal(t, 1, registry.Len())

	// Three seconds of audio crosses the minimum buffer
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 60)))
	msg := readMessage(t, conn)
	assert.Equal(t, "segments", msg.Type)
	assert.Equal(t, hello.SessionID, msg.SessionID)
	assert.Equal(t, []transcript.Segment{
		{Speaker: transcript.DefaultSpeaker, Start: 0, End: 1, Text: "hello"},
	}, msg.Segments)

	// The second pass lands on the global timeline
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 60)))
	msg = readMessage(t, conn)
	require.Len(t, msg.Segments, 1)
	assert.Equal(t, 3.0, msg.Segments[0].Start)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"rewind"}`)))
	msg = readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)

	// Half a second is enough for a flush
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 10)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"flush"}`)))
	msg = readMessage(t, conn)
	assert.Equal(t, "segments", msg.Type)
	require.Len(t, msg.Segments, 1)
	assert.Equal(t, 6.0, msg.Segments[0].Start)

	tr.mu.Lock()
	assert.Equal(t, []string{"fr", "fr", "fr"}, tr.languages)
	tr.mu.Unlock()

	conn.Close()
	assert.Eventually(t, func() bool { return registry.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamPauseAndReset(t *testing.T) {
	tr := localTranscriber(transcript.Fragment{Start: 0, End: 1, Text: "hello"})
	s, registry := newTestScribe(t, tr, Config{})

	server := httptest.NewServer(s.Router())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readMessage(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pause"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 60)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"resume"}`)))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, make([]byte, 20)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"reset"}`)))

	// An unknown type is answered, which orders us after the controls above
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"noop"}`)))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)

	assert.Equal(t, hello.SessionID, registry.List()[0].ID)
	sess, ok := registry.Get(uuid.MustParse(hello.SessionID))
	require.True(t, ok)
	assert.Zero(t, sess.Buffered())
	assert.Zero(t, sess.Offset())
	assert.False(t, sess.Paused())
}

func TestProcessJob(t *testing.T) {
	s, _ := newTestScribe(t, localTranscriber(threeFragments...), Config{})

	dir := t.TempDir()
	path := filepath.Join(dir, "meeting.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))

	require.NoError(t, s.processJob(context.Background(), TranscriptionJob{FilePath: path, Timestamp: time.Now()}))

	data, err := os.ReadFile(filepath.Join(dir, "meeting.json"))
	require.NoError(t, err)

	var result TranscriptionResult
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, "hi there bye", result.Text)

	// Vanished files are not an error
	assert.NoError(t, s.processJob(context.Background(), TranscriptionJob{FilePath: filepath.Join(dir, "gone.wav")}))
}

func TestHandleFSEvent(t *testing.T) {
	inbox := t.TempDir()
	s, _ := newTestScribe(t, localTranscriber(), Config{InboxDir: inbox})
	defer s.watcher.Close()

	write := func(name string) string {
		path := filepath.Join(inbox, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		return path
	}

	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: write("a.wav.tmp"), Op: fsnotify.Create}))
	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: write("a.json"), Op: fsnotify.Create}))
	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: write("b.wav"), Op: fsnotify.Write}))
	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: filepath.Join(inbox, "missing.wav"), Op: fsnotify.Create}))
	assert.Empty(t, s.queue)

	path := write("a.wav")
	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: path, Op: fsnotify.Create}))
	require.Len(t, s.queue, 1)
	job := <-s.queue
	assert.Equal(t, path, job.FilePath)

	sub := filepath.Join(inbox, "day")
	require.NoError(t, os.Mkdir(sub, 0755))
	require.NoError(t, s.handleFSEvent(fsnotify.Event{Name: sub, Op: fsnotify.Create}))
	assert.Contains(t, s.watcher.WatchList(), sub)
}

func TestIsInboxAudio(t *testing.T) {
	tests := map[string]bool{
		"call.wav":          true,
		"call.MP3":          true,
		"memo.m4a":          true,
		"call_whisper.wav":  false,
		"call.wav.tmp":      false,
		"call.json":         false,
		"notes.txt":         false,
		"dir/nested.flac":   true,
		"dir/nested.webm":   true,
		"whisper_intro.ogg": true,
	}
	for name, want := range tests {
		assert.Equal(t, want, isInboxAudio(name), name)
	}
}

func TestResultPathAndChannel(t *testing.T) {
	assert.Equal(t, "/in/call.json", resultPath("/in/call.wav"))
	assert.Equal(t, "dictation:abc", channelName("dictation", "abc"))
	assert.Equal(t, "abc", channelName("", "abc"))
}

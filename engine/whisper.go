package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/transcript"
)

// WhisperCLI runs a whisper.cpp executable on each clip. whisper.cpp only accepts
// 16kHz WAV, so clips are resampled with ffmpeg first.
type WhisperCLI struct {
	Path       string // whisper.cpp executable
	Model      string // model file, or a model name resolved inside ModelDir
	ModelDir   string
	FFmpegPath string
	TempDir    string
}

func (w *WhisperCLI) Name() string { return "whisper-cli" }

// ModelPath resolves Model to a file. A bare name such as "base" becomes
// <ModelDir>/ggml-base.bin.
func (w *WhisperCLI) ModelPath() string {
	if w.Model == "" {
		return ""
	}
	if strings.ContainsRune(w.Model, filepath.Separator) || strings.HasSuffix(w.Model, ".bin") {
		return w.Model
	}
	name := strings.TrimSuffix(w.Model, ".bin")
	if !strings.HasPrefix(name, "ggml-") {
		name = "ggml-" + name
	}
	return filepath.Join(w.ModelDir, name+".bin")
}

func (w *WhisperCLI) Available() bool {
	return w.check() == nil
}

func (w *WhisperCLI) check() error {
	if w.Path == "" {
		return errors.New("no whisper executable configured")
	}
	if _, err := exec.LookPath(w.Path); err != nil {
		return fmt.Errorf("whisper executable: %w", err)
	}
	if _, err := os.Stat(w.ModelPath()); err != nil {
		return fmt.Errorf("whisper model: %w", err)
	}
	return nil
}

func (w *WhisperCLI) Transcribe(ctx context.Context, clip audio.Clip, language string) (Result, error) {
	if err := w.check(); err != nil {
		return Result{}, unavailable(w.Name(), err.Error())
	}

	inputPath, err := clip.WriteTemp(w.TempDir)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(inputPath)

	wavPath, err := audio.Resample(ctx, w.FFmpegPath, inputPath)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(wavPath)

	args := []string{"--model", w.ModelPath(), "--file", wavPath}
	if language != "" {
		args = append(args, "--language", language)
	}

	cmd := exec.CommandContext(ctx, w.Path, args...)

	slog.Debug("Executing whisper command",
		"command", cmd.String(),
		"args", cmd.Args)

	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			slog.Debug("Whisper command failed",
				"stderr", string(exitErr.Stderr),
				"exitCode", exitErr.ExitCode())
		}
		return Result{}, fmt.Errorf("whisper execution failed: %w", err)
	}

	slog.Debug("Whisper command output received", "outputLength", len(output))

	fragments := parseTimestamped(string(output))
	return Result{
		Text:      transcript.Text(fragments),
		Fragments: fragments,
		Language:  language,
		Duration:  transcript.End(fragments),
	}, nil
}

// [00:00:01.240 --> 00:00:03.000]   text
var timestampedLine = regexp.MustCompile(`^\[(\d+):(\d+):(\d+)[.,](\d+)\s*-->\s*(\d+):(\d+):(\d+)[.,](\d+)\]\s*(.*)$`)

// parseTimestamped reads whisper.cpp's subtitle-style stdout. Lines without a
// timestamp and blank audio markers are skipped.
func parseTimestamped(output string) []transcript.Fragment {
	fragments := []transcript.Fragment{}

	for _, line := range strings.Split(output, "\n") {
		m := timestampedLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}

		text := strings.TrimSpace(m[9])
		if text == "" || strings.Contains(text, "[BLANK_AUDIO]") {
			continue
		}

		fragments = append(fragments, transcript.Fragment{
			Start: clockSeconds(m[1], m[2], m[3], m[4]),
			End:   clockSeconds(m[5], m[6], m[7], m[8]),
			Text:  text,
		})
	}

	return fragments
}

func clockSeconds(h, m, s, frac string) float64 {
	hours, _ := strconv.Atoi(h)
	minutes, _ := strconv.Atoi(m)
	seconds, _ := strconv.Atoi(s)
	fraction, _ := strconv.ParseFloat("0."+frac, 64)
	return float64(hours*3600+minutes*60+seconds) + fraction
}

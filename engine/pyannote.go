package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/transcript"
)

// Pyannote runs a pyannote.audio diarization script. The script is invoked as
//
//	<python> <script> --input <wav> --device <device>
//
// with the Hugging Face token in the environment, and prints
// {"segments":[{"start":0.0,"end":1.5,"speaker":"SPEAKER_00"}],"error":""} on stdout.
type Pyannote struct {
	Python  string
	Script  string
	HFToken string
	Device  string
	TempDir string
}

func (p *Pyannote) Name() string { return "pyannote" }

func (p *Pyannote) python() string {
	if p.Python == "" {
		return "python3"
	}
	return p.Python
}

func (p *Pyannote) check() error {
	if strings.TrimSpace(p.HFToken) == "" {
		return errors.New("HF_TOKEN not set")
	}
	if _, err := exec.LookPath(p.python()); err != nil {
		return fmt.Errorf("python: %w", err)
	}
	if _, err := os.Stat(p.Script); err != nil {
		return fmt.Errorf("diarization script: %w", err)
	}
	return nil
}

func (p *Pyannote) Available() bool {
	return p.check() == nil
}

type speakersFile struct {
	Segments []struct {
		Start   float64 `json:"start"`
		End     float64 `json:"end"`
		Speaker string  `json:"speaker"`
	} `json:"segments"`
	Error string `json:"error"`
}

func (p *Pyannote) Diarize(ctx context.Context, clip audio.Clip) ([]transcript.Turn, error) {
	if err := p.check(); err != nil {
		return nil, unavailable(p.Name(), err.Error())
	}

	inputPath, err := clip.WriteTemp(p.TempDir)
	if err != nil {
		return nil, err
	}
	defer os.Remove(inputPath)

	device := p.Device
	if device == "" {
		device = "cpu"
	}

	cmd := exec.CommandContext(ctx, p.python(), p.Script, "--input", inputPath, "--device", device)
	cmd.Env = append(os.Environ(), "HF_TOKEN="+p.HFToken, "HUGGINGFACE_TOKEN="+p.HFToken)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("Executing diarization command", "command", cmd.String())

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("diarization failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseSpeakers(output)
}

func parseSpeakers(output []byte) ([]transcript.Turn, error) {
	var data speakersFile
	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to parse diarization output: %w", err)
	}
	if data.Error != "" {
		return nil, fmt.Errorf("diarization script: %s", data.Error)
	}

	turns := make([]transcript.Turn, 0, len(data.Segments))
	for _, s := range data.Segments {
		turns = append(turns, transcript.Turn{Start: s.Start, End: s.End, Speaker: s.Speaker})
	}
	return turns, nil
}

package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/loykin/provoice/internal/failure"
)

// AudioInfo describes a validated input file.
type AudioInfo struct {
	Path       string        `json:"path"`
	Size       int64         `json:"size"`
	Format     string        `json:"format"`
	Duration   time.Duration `json:"duration_ns,omitempty"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
}

func invalid(format string, args ...any) error {
	return failure.New(failure.StageInput, failure.InvalidInput, format, args...)
}

// ValidateInput checks that path names a readable, non-empty audio file. WAV files must
// also carry a valid header and at least one sample. Other formats are passed through
// to the transcription engine as-is.
func ValidateInput(path string) (AudioInfo, error) {
	if strings.TrimSpace(path) == "" {
		return AudioInfo{}, invalid("no audio file uploaded")
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AudioInfo{}, invalid("audio file %s does not exist", path)
		}
		return AudioInfo{}, invalid("audio file %s: %v", path, err)
	}
	if !fi.Mode().IsRegular() {
		return AudioInfo{}, invalid("audio input %s is not a regular file", path)
	}
	if fi.Size() == 0 {
		return AudioInfo{}, invalid("audio file %s is empty", path)
	}
	info := AudioInfo{
		Path:   path,
		Size:   fi.Size(),
		Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
	}

	f, err := os.Open(path)
	if err != nil {
		return AudioInfo{}, invalid("audio file %s is not readable: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	if info.Format != "wav" {
		if _, err := f.Read(make([]byte, 1)); err != nil && err != io.EOF {
			return AudioInfo{}, invalid("audio file %s is not readable: %v", path, err)
		}
		return info, nil
	}
	return inspectWAV(f, info)
}

func inspectWAV(r io.ReadSeeker, info AudioInfo) (AudioInfo, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return AudioInfo{}, invalid("audio file %s is not a valid WAV file", info.Path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return AudioInfo{}, invalid("audio file %s has no PCM data: %v", info.Path, err)
	}
	bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8
	if dec.PCMLen() <= 0 || bytesPerSec <= 0 {
		return AudioInfo{}, invalid("audio file %s contains no audio", info.Path)
	}
	info.SampleRate = int(dec.SampleRate)
	info.Channels = int(dec.NumChans)
	info.Duration = time.Duration(float64(dec.PCMLen()) / float64(bytesPerSec) * float64(time.Second))
	if info.Duration <= 0 {
		return AudioInfo{}, invalid("audio file %s has zero duration", info.Path)
	}
	return info, nil
}

// String renders the info for logs.
func (a AudioInfo) String() string {
	if a.Duration > 0 {
		return fmt.Sprintf("%s (%s, %s)", a.Path, a.Format, a.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s (%s, %d bytes)", a.Path, a.Format, a.Size)
}

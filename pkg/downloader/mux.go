package downloader

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"bilidl/pkg/fsutil"
	"bilidl/pkg/logger"
	"bilidl/pkg/models"
)

// DefaultFfmpeg is the mux tool looked up on PATH
const DefaultFfmpeg = "ffmpeg"

// Muxer joins a video and an audio track into one container without re-encoding
type Muxer struct {
	FfmpegPath string
}

// NewMuxer creates a muxer for the given ffmpeg binary
func NewMuxer(ffmpegPath string) *Muxer {
	if ffmpegPath == "" {
		ffmpegPath = DefaultFfmpeg
	}
	return &Muxer{FfmpegPath: ffmpegPath}
}

// Available checks that the tool can be executed
func (m *Muxer) Available() error {
	var errBuffer bytes.Buffer
	cmd := exec.Command(m.FfmpegPath, "-version")
	cmd.Stderr = &errBuffer
	if err := cmd.Run(); err != nil {
		return &models.MuxError{Tool: m.FfmpegPath, Output: strings.TrimSpace(errBuffer.String()), Err: err}
	}
	return nil
}

// Mux writes video and audio into out, overwriting it
func (m *Muxer) Mux(video, audio, out string) error {
	var errBuffer bytes.Buffer
	cmd := exec.Command(m.FfmpegPath, "-y", "-i", video, "-i", audio, "-c", "copy", out)
	cmd.Stderr = &errBuffer

	if err := cmd.Run(); err != nil {
		stderr := strings.TrimSpace(errBuffer.String())
		logger.GetLogger().WithFields(logrus.Fields{
			"tool":   m.FfmpegPath,
			"output": out,
			"reason": DescribeMuxFailure(stderr),
		}).WithError(err).Debug("Mux failed")
		return &models.MuxError{Tool: m.FfmpegPath, Output: stderr, Err: err}
	}
	if ok, err := fsutil.FileExists(out); !ok {
		if err == nil {
			err = errors.New("output file was not created")
		}
		return &models.MuxError{Tool: m.FfmpegPath, Output: strings.TrimSpace(errBuffer.String()), Err: err}
	}
	return nil
}

// DescribeMuxFailure turns ffmpeg stderr into a short actionable reason
func DescribeMuxFailure(stderr string) string {
	switch {
	case stderr == "":
		return "ffmpeg could not be run; install it or pass --ffmpeg"
	case strings.Contains(stderr, "No such file or directory"):
		return "input track missing"
	case strings.Contains(stderr, "Permission denied"):
		return "permission denied writing the output"
	case strings.Contains(stderr, "No space left on device"):
		return "disk full"
	case strings.Contains(stderr, "Invalid data found"), strings.Contains(stderr, "corrupt"):
		return "track appears corrupted; download it again"
	case strings.Contains(stderr, "codec not currently supported in container"),
		strings.Contains(stderr, "Could not find tag for codec"):
		return "codec not supported by the container; try --merge-output-format mkv"
	default:
		return "ffmpeg processing failed"
	}
}

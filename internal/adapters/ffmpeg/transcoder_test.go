package ffmpeg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTranscodeCommand(t *testing.T) {
	cmd := NewTranscoder("").TranscodeCommand(15*time.Second, "/work/video_1.mp4")

	assert.Equal(t, "ffmpeg", cmd.Path)
	assert.Equal(t, []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", "pipe:0",
		"-t", "15",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"/work/video_1.mp4",
	}, cmd.Args)
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "15", formatSeconds(15*time.Second))
	assert.Equal(t, "2.5", formatSeconds(2500*time.Millisecond))
	assert.Equal(t, "0.1", formatSeconds(100*time.Millisecond))
}

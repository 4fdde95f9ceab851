package ytdlp

import (
	"os"
	"strings"

	"camcollect/internal/core/ports"
)

const defaultFormat = "best"

// Source streams a video reference to stdout using the yt-dlp binary.
type Source struct {
	binaryPath string
	format     string
}

// NewSource creates a yt-dlp stream source. An empty binaryPath prefers a
// yt-dlp.exe in the working directory and falls back to PATH lookup.
func NewSource(binaryPath, format string) *Source {
	binaryPath = strings.TrimSpace(binaryPath)
	if binaryPath == "" {
		binaryPath = "yt-dlp"
		if _, err := os.Stat("yt-dlp.exe"); err == nil {
			binaryPath = ".\\yt-dlp.exe"
		}
	}
	format = strings.TrimSpace(format)
	if format == "" {
		format = defaultFormat
	}
	return &Source{binaryPath: binaryPath, format: format}
}

// FetchCommand writes the selected format to stdout.
//
// -f: format selector
// -o -: write media to stdout
// --no-part/--no-progress: no temp files, quiet stderr
func (s *Source) FetchCommand(sourceRef string) ports.Command {
	return ports.Command{
		Path: s.binaryPath,
		Args: []string{
			"-f", s.format,
			"-o", "-",
			"--no-part",
			"--no-progress",
			"--no-warnings",
			sourceRef,
		},
	}
}

var _ ports.StreamSource = (*Source)(nil)

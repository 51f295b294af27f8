package encoder

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// FFmpegService assembles the final video: concatenates rendered shot clips
// with hard cuts and muxes the project's original audio track over the result.
type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) *FFmpegService {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
	}
}

// ConcatenateClips combines the ordered clip files into one video with hard
// cuts (concat demuxer, no re-encoding).
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(s.tempDir, "concat_list.txt")
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}

	return nil
}

// MuxAudio replaces the video's audio with the project's source track.
// Any audio baked into the clips is discarded; the video stream is copied
// without re-encoding. -shortest trims whichever stream runs longer.
func (s *FFmpegService) MuxAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("audio track missing: %w", err)
	}

	log.Printf("[FFmpeg] Muxing audio track %s", audioPath)

	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg mux audio failed: %w", err)
	}

	return nil
}

// GetAudioDuration returns the duration of an audio file in milliseconds.
func (s *FFmpegService) GetAudioDuration(ctx context.Context, audioPath string) (int, error) {
	return s.probeDuration(ctx, audioPath)
}

// GetVideoDuration returns the duration of a video file in milliseconds.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	return s.probeDuration(ctx, videoPath)
}

func (s *FFmpegService) probeDuration(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// CreateTempFile returns a path in the service's temp directory.
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

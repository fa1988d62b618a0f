// Package hls downloads HLS playlists into local mp4 files. Two backends
// are supported: a segmented parallel downloader binary and an ffmpeg
// stream-copy fallback. The backend is chosen once at construction.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/downpour/downpour/internal/pathutil"
)

// ErrFetchFailed indicates the backend exited non-zero or produced no
// usable output file.
var ErrFetchFailed = errors.New("fetch failed")

const (
	defaultBinary         = "N_m3u8DL-RE"
	defaultThreads        = 16
	defaultRetries        = 3
	defaultTimeout        = 60 * time.Minute
	defaultRequestTimeout = 100 * time.Second
	nominalDuration       = 2700 * time.Second

	progressInterval = 1500 * time.Millisecond
)

// Progress is one best-effort progress emission. The final emission on
// success carries Fraction == 1.0.
type Progress struct {
	Fraction float64
	Elapsed  time.Duration
	Size     string
	Speed    string
}

// ProgressFunc receives throttled progress emissions.
type ProgressFunc func(Progress)

// Options customizes a single download.
type Options struct {
	Progress     ProgressFunc
	DurationHint time.Duration // expected media duration, 0 when unknown
	Headers      map[string]string
}

// Config configures the fetcher.
type Config struct {
	Backend    string // "auto", "segmented" or "ffmpeg"
	BinaryPath string // segmented downloader binary, default N_m3u8DL-RE
	FFmpegPath string // default "ffmpeg"
	Threads    int
	Retries    int
	SpeedLimit string // e.g. "15M", empty for unlimited
	TempDir    string // default os.TempDir()
	Timeout    time.Duration

	// RequestTimeout bounds each segment fetch made by the segmented
	// backend, default 100s.
	RequestTimeout time.Duration
}

// backend runs one download attempt, writing the final file to target.
type backend interface {
	name() string
	fetch(ctx context.Context, playlistURL, target string, opts Options, emit *emitter) error
}

// Fetcher downloads playlists with a fixed backend.
type Fetcher struct {
	backend backend
	tempDir string
	timeout time.Duration
	logger  zerolog.Logger
}

// New builds a fetcher. With backend "auto" the segmented binary is
// preferred when present on PATH, falling back to ffmpeg.
func New(cfg Config, logger zerolog.Logger) (*Fetcher, error) {
	binary := cfg.BinaryPath
	if binary == "" {
		binary = defaultBinary
	}
	ffmpeg := cfg.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	threads := cfg.Threads
	if threads <= 0 {
		threads = defaultThreads
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	log := logger.With().Str("component", "hls").Logger()

	var b backend
	switch cfg.Backend {
	case "segmented":
		b = &segmentedBackend{binary: binary, threads: threads, retries: retries, requestTimeout: requestTimeout, speedLimit: cfg.SpeedLimit, tempDir: tempDir}
	case "ffmpeg":
		b = &ffmpegBackend{binary: ffmpeg, tempDir: tempDir}
	case "", "auto":
		if _, err := exec.LookPath(binary); err == nil {
			b = &segmentedBackend{binary: binary, threads: threads, retries: retries, requestTimeout: requestTimeout, speedLimit: cfg.SpeedLimit, tempDir: tempDir}
		} else if _, err := exec.LookPath(ffmpeg); err == nil {
			b = &ffmpegBackend{binary: ffmpeg, tempDir: tempDir}
		} else {
			return nil, fmt.Errorf("no download backend available: neither %s nor %s on PATH", binary, ffmpeg)
		}
	default:
		return nil, fmt.Errorf("unknown hls backend %q", cfg.Backend)
	}

	log.Info().Str("backend", b.name()).Msg("Fetcher initialized")
	return &Fetcher{backend: b, tempDir: tempDir, timeout: timeout, logger: log}, nil
}

// Backend reports which backend was selected at construction.
func (f *Fetcher) Backend() string {
	return f.backend.name()
}

// Download fetches the playlist into dir as "<base>.mp4" and returns the
// final path. An existing non-empty target short-circuits to success. The
// final file is never visible in a partial state.
func (f *Fetcher) Download(ctx context.Context, playlistURL, dir, base string, opts Options) (string, error) {
	base = pathutil.SanitizeName(base)
	if base == "" {
		return "", fmt.Errorf("%w: empty output name", ErrFetchFailed)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	target := filepath.Join(dir, base+".mp4")

	emit := newEmitter(opts.Progress, progressInterval)

	if info, err := os.Stat(target); err == nil && info.Size() > 0 {
		f.logger.Debug().Str("target", target).Msg("Target already present, skipping download")
		emit.final()
		return target, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	f.logger.Info().Str("target", target).Str("backend", f.backend.name()).Msg("Starting download")

	if err := f.backend.fetch(ctx, playlistURL, target, opts, emit); err != nil {
		return "", err
	}

	info, err := os.Stat(target)
	if err != nil || info.Size() == 0 {
		os.Remove(target)
		return "", fmt.Errorf("%w: backend produced no output at %s", ErrFetchFailed, target)
	}

	emit.final()
	f.logger.Info().Str("target", target).Int64("bytes", info.Size()).Msg("Download complete")
	return target, nil
}

// workDir creates a unique scratch directory for one download.
func workDir(tempDir string) (string, error) {
	dir := filepath.Join(tempDir, "dl-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	return dir, nil
}

// moveFile renames src to dst, copying across filesystems when rename is
// not possible. The scratch dir usually lives on a different filesystem
// than the library, so the copy path is the common one.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	os.Remove(src)
	return nil
}

// copyFile streams src into dst through a ".part" sibling so dst never
// appears partially written. The media files are large; nothing here may
// buffer the whole file.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open temp output: %w", err)
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to stage output: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to stage output: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush staged output: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to stage output: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to move output into place: %w", err)
	}
	return nil
}

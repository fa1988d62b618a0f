package hls

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ffmpegBackend remuxes the playlist without re-encoding. Progress comes
// from the structured key/value lines ffmpeg writes to stdout.
type ffmpegBackend struct {
	binary  string
	tempDir string
}

func (b *ffmpegBackend) name() string {
	return "ffmpeg"
}

func (b *ffmpegBackend) fetch(ctx context.Context, playlistURL, target string, opts Options, emit *emitter) error {
	scratch, err := workDir(b.tempDir)
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	staged := filepath.Join(scratch, filepath.Base(target))

	args := []string{
		"-y",
		"-loglevel", "error",
	}
	if len(opts.Headers) > 0 {
		var sb strings.Builder
		for k, v := range opts.Headers {
			sb.WriteString(k + ": " + v + "\r\n")
		}
		args = append(args, "-headers", sb.String())
	}
	args = append(args,
		"-i", playlistURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		"-progress", "pipe:1",
		staged,
	)

	cmd := exec.CommandContext(ctx, b.binary, args...)
	stderr := newTailBuffer(2048)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to attach stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	duration := opts.DurationHint
	if duration <= 0 {
		duration = nominalDuration
	}

	state := &ffmpegProgress{duration: duration, started: time.Now()}
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if state.consume(scanner.Text()) {
			emit.update(state.fraction(), state.size(), state.speed())
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s exited: %v: %s", ErrFetchFailed, b.binary, err, stderr.String())
	}

	if info, err := os.Stat(staged); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s produced no output: %s", ErrFetchFailed, b.binary, stderr.String())
	}
	return moveFile(staged, target)
}

// ffmpegProgress accumulates the key/value progress stream. A "progress="
// line terminates one block and makes the snapshot reportable.
type ffmpegProgress struct {
	duration time.Duration
	started  time.Time

	outTimeUS int64
	totalSize int64
}

// consume folds one line into the state. It returns true when the line
// completes a progress block.
func (p *ffmpegProgress) consume(line string) bool {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found {
		return false
	}
	switch key {
	case "out_time_us", "out_time_ms":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.outTimeUS = v
		}
	case "total_size":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			p.totalSize = v
		}
	case "progress":
		return true
	}
	return false
}

func (p *ffmpegProgress) fraction() float64 {
	if p.duration <= 0 {
		return 0
	}
	return float64(p.outTimeUS) / float64(p.duration.Microseconds())
}

func (p *ffmpegProgress) size() string {
	if p.totalSize <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(p.totalSize))
}

func (p *ffmpegProgress) speed() string {
	elapsed := time.Since(p.started).Seconds()
	if p.totalSize <= 0 || elapsed <= 0 {
		return ""
	}
	return humanize.Bytes(uint64(float64(p.totalSize)/elapsed)) + "/s"
}

package hls

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// segmentedBackend shells out to the segmented parallel downloader. The
// binary works in a scratch directory and the finished file is moved into
// place afterwards.
type segmentedBackend struct {
	binary         string
	threads        int
	retries        int
	requestTimeout time.Duration
	speedLimit     string
	tempDir        string
}

func (b *segmentedBackend) name() string {
	return "segmented"
}

// The status stream interleaves carriage-return updates. Only the percent
// and download-rate tokens are load-bearing.
var (
	segPercentRe = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
	segSpeedRe   = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?\s?[KMG]?i?B)ps\b`)
	segSizeRe    = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?\s?[KMG]i?B)\b`)
)

func (b *segmentedBackend) fetch(ctx context.Context, playlistURL, target string, opts Options, emit *emitter) error {
	scratch, err := workDir(b.tempDir)
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	base := strings.TrimSuffix(filepath.Base(target), ".mp4")

	args := []string{
		playlistURL,
		"--save-dir", scratch,
		"--save-name", base,
		"--tmp-dir", scratch,
		"--thread-count", strconv.Itoa(b.threads),
		"--download-retry-count", strconv.Itoa(b.retries),
		"--http-request-timeout", strconv.Itoa(int(b.requestTimeout.Seconds())),
		"--auto-select",
		"--no-log",
	}
	if b.speedLimit != "" {
		args = append(args, "--max-speed", b.speedLimit)
	}
	for k, v := range opts.Headers {
		args = append(args, "-H", k+": "+v)
	}

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

	scanner := bufio.NewScanner(stdout)
	scanner.Split(scanLines)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		if fraction, size, speed, ok := parseSegmentedLine(scanner.Text()); ok {
			emit.update(fraction, size, speed)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s exited: %v: %s", ErrFetchFailed, b.binary, err, stderr.String())
	}

	produced := filepath.Join(scratch, base+".mp4")
	if info, err := os.Stat(produced); err != nil || info.Size() == 0 {
		return fmt.Errorf("%w: %s produced no output: %s", ErrFetchFailed, b.binary, stderr.String())
	}
	return moveFile(produced, target)
}

// parseSegmentedLine pulls the progress fraction, downloaded size and rate
// out of one status line. Lines without a percent token are ignored.
func parseSegmentedLine(line string) (fraction float64, size, speed string, ok bool) {
	m := segPercentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, "", "", false
	}
	percent, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", "", false
	}

	if m := segSizeRe.FindStringSubmatch(line); m != nil {
		size = strings.ReplaceAll(m[1], " ", "")
	}
	if m := segSpeedRe.FindStringSubmatch(line); m != nil {
		speed = strings.ReplaceAll(m[1], " ", "") + "/s"
	}
	return percent / 100, size, speed, true
}

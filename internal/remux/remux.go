package remux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// ErrSpawn means the remuxer process could not be started, so nothing was written.
var ErrSpawn = errors.New("failed to start remuxer")

// An ExitError means the remuxer ran but exited unsuccessfully.
type ExitError struct {
	ExitCode int
	// LastError is the last error-like diagnostic line, if any.
	LastError string
	Err       error
}

func (e *ExitError) Error() string {
	if e.LastError != "" {
		return fmt.Sprintf("remuxer exited with status %d: %s", e.ExitCode, e.LastError)
	}
	return fmt.Sprintf("remuxer exited with status %d", e.ExitCode)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// A WriteError means the output could not be delivered, usually because the client went away.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write remuxed output: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ContentType is the media type of the remuxed output.
const ContentType = "audio/mp4"

var errorLine = regexp.MustCompile(`(?i)(error|invalid|failed|unable|denied|forbidden|refused|timed out|server returned|no such)`)

type Config struct {
	Binary string `yaml:"binary"`
	// BufferSize is the largest chunk written to the output at once.
	BufferSize int `yaml:"buffer_size"`
}

func DefaultConfig() Config {
	return Config{
		Binary:     "ffmpeg",
		BufferSize: 32 * 1024,
	}
}

// Args builds the ffmpeg argument vector: copy the first audio stream of upstreamURL, without re-encoding, into
// fragmented MP4 on stdout with the index at the front, so playback can start before the download finishes.
func Args(upstreamURL string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", upstreamURL,
		"-vn",
		"-map", "0:a:0",
		"-c:a", "copy",
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"pipe:1",
	}
}

// A Remuxer rewrites upstream audio into a streamable container using an ffmpeg subprocess.
type Remuxer struct {
	config Config
	log    *zap.SugaredLogger
	// BuildArgs produces the argument vector for an upstream URL.
	BuildArgs func(upstreamURL string) []string
}

func New(config Config, log *zap.SugaredLogger) *Remuxer {
	if log == nil {
		log = zap.S()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	return &Remuxer{
		config:    config,
		log:       log.Named("remux"),
		BuildArgs: Args,
	}
}

type flusher interface {
	Flush()
}

// Remux streams upstreamURL to w, flushing after every chunk if w supports it. It returns when the upstream is
// exhausted, ctx is cancelled (which kills the process), or an error occurs. The error is ErrSpawn (wrapped),
// *ExitError, *WriteError, or the context's error.
func (r *Remuxer) Remux(ctx context.Context, upstreamURL string, w io.Writer) (written int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.config.Binary, r.BuildArgs(upstreamURL)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	log := r.log.With("pid", cmd.Process.Pid)
	log.Debugw("remuxer started")

	lastError := make(chan string, 1)
	go func() {
		lastError <- r.scanDiagnostics(log, stderr)
	}()

	written, copyErr := r.copy(ctx, w, stdout)
	if copyErr != nil {
		// Stop the process so the pipes close and Wait returns.
		cancel()
		_, _ = io.Copy(io.Discard, stdout)
	}
	diagnostic := <-lastError
	waitErr := cmd.Wait()

	switch {
	case copyErr != nil:
		log.Infow("remux aborted", "written", written, "error", copyErr)
		return written, copyErr
	case waitErr != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return written, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return written, &ExitError{ExitCode: exitErr.ExitCode(), LastError: diagnostic, Err: waitErr}
		}
		return written, waitErr
	default:
		log.Debugw("remux finished", "written", written)
		return written, nil
	}
}

func (r *Remuxer) copy(ctx context.Context, w io.Writer, stdout io.Reader) (int64, error) {
	f, canFlush := w.(flusher)
	buf := make([]byte, r.config.BufferSize)
	var written int64
	for {
		// The client going away ends the copy even while ffmpeg keeps producing output.
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := stdout.Read(buf)
		if n > 0 {
			m, writeErr := w.Write(buf[:n])
			written += int64(m)
			if writeErr == nil && m < n {
				writeErr = io.ErrShortWrite
			}
			if writeErr != nil {
				return written, &WriteError{Err: writeErr}
			}
			if canFlush {
				f.Flush()
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, err
		}
	}
}

// scanDiagnostics logs the process's diagnostic output, escalating only error-like lines, and returns the last one.
func (r *Remuxer) scanDiagnostics(log *zap.SugaredLogger, stderr io.Reader) string {
	var last string
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if errorLine.MatchString(line) {
			log.Warnw("remuxer reported an error", "line", line)
			last = line
		} else {
			log.Debugw("remuxer output", "line", line)
		}
	}
	_, _ = io.Copy(io.Discard, stderr)
	return last
}

package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/audio-relay"
)

const FormatSelector = "bestaudio[ext=m4a]/bestaudio[acodec^=mp4a]/bestaudio/best"

var (
	ErrNoStreamURL = errors.New("extractor output has no stream URL")
	ErrTimeout     = errors.New("extractor timed out")
)

type Config struct {
	// Binary is the yt-dlp executable, looked up in $PATH if not absolute.
	Binary string `yaml:"binary"`
	// Timeout is the default time limit for one extraction.
	Timeout time.Duration `yaml:"timeout"`
	// SocketTimeout is passed to yt-dlp for each of its own network requests, if non-zero.
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	// Cookies is a Netscape cookies.txt blob, written to a temporary file for each call.
	Cookies string `yaml:"-"`
	// CookiesFile is an existing cookies.txt to use when Cookies is empty.
	CookiesFile string `yaml:"cookies_file"`
	// TempDir is where temporary cookie files are created.
	TempDir string `yaml:"temp_dir"`
}

func DefaultConfig() Config {
	return Config{
		Binary:  "yt-dlp",
		Timeout: 30 * time.Second,
	}
}

// Options override the Config for a single call.
type Options struct {
	Timeout time.Duration
	Cookies string
}

// A Runner executes a command with a literal argument vector and returns what it wrote to stdout and stderr.
type Runner func(ctx context.Context, name string, args []string) (stdout []byte, stderr []byte, err error)

// ExecRunner runs the command directly, never through a shell.
func ExecRunner(ctx context.Context, name string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// A RunError is returned when the extractor exits unsuccessfully.
type RunError struct {
	Err    error
	Stderr string
}

func (e *RunError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("yt-dlp failed: %v", e.Err)
	}
	return fmt.Sprintf("yt-dlp failed: %v: %s", e.Err, e.Stderr)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Info is the subset of yt-dlp's JSON output that is used.
type Info struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	Uploader         string  `json:"uploader"`
	Channel          string  `json:"channel"`
	Duration         float64 `json:"duration"`
	Thumbnail        string  `json:"thumbnail"`
	URL              string  `json:"url"`
	Extractor        string  `json:"extractor"`
	ExtractorKey     string  `json:"extractor_key"`
	WebpageURL       string  `json:"webpage_url"`
	RequestedFormats []struct {
		URL    string `json:"url"`
		ACodec string `json:"acodec"`
	} `json:"requested_formats"`
}

// Label is the extractor's name for the site the URL belongs to.
func (i *Info) Label() string {
	if i.Extractor != "" {
		return i.Extractor
	}
	return i.ExtractorKey
}

func (i *Info) streamURL() string {
	if i.URL != "" {
		return i.URL
	}
	for _, f := range i.RequestedFormats {
		if f.URL != "" && f.ACodec != "none" {
			return f.URL
		}
	}
	return ""
}

// Extractor obtains a direct audio URL and metadata for a page on any site yt-dlp supports.
type Extractor struct {
	config Config
	log    *zap.SugaredLogger
	Run    Runner
}

func New(config Config, log *zap.SugaredLogger) *Extractor {
	if log == nil {
		log = zap.S()
	}
	return &Extractor{
		config: config,
		log:    log.Named("extractor"),
		Run:    ExecRunner,
	}
}

// Args builds the yt-dlp argument vector. The URL always comes after "--" so it can never be read as an option.
func Args(url string, cookiesFile string, socketTimeout time.Duration) []string {
	args := []string{
		"--dump-single-json",
		"--no-playlist",
		"--no-warnings",
		"--ignore-config",
		"-f", FormatSelector,
	}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	if socketTimeout > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(int(socketTimeout.Seconds())))
	}
	return append(args, "--", url)
}

// Extract runs yt-dlp against url. opts may be nil.
func (e *Extractor) Extract(ctx context.Context, url string, opts *Options) (*Info, error) {
	timeout := e.config.Timeout
	cookies := e.config.Cookies
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Cookies != "" {
			cookies = opts.Cookies
		}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var info *Info
	run := func(cookiesFile string) (err error) {
		info, err = e.extract(ctx, url, cookiesFile)
		return err
	}
	var err error
	if cookies != "" {
		err = WithCookieFile(e.config.TempDir, cookies, run)
	} else {
		err = run(e.config.CookiesFile)
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, audio_relay.Transient(fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, err))
		}
		return nil, err
	}
	return info, nil
}

func (e *Extractor) extract(ctx context.Context, url string, cookiesFile string) (*Info, error) {
	binary := e.config.Binary
	if binary == "" {
		binary = "yt-dlp"
	}
	start := time.Now()
	stdout, stderr, err := e.Run(ctx, binary, Args(url, cookiesFile, e.config.SocketTimeout))
	e.log.Debugw("yt-dlp finished", "url", url, "elapsed", time.Since(start), "error", err)
	if err != nil {
		return nil, &RunError{Err: err, Stderr: excerpt(stderr)}
	}
	var info Info
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &info); err != nil {
		return nil, audio_relay.Transientf("malformed yt-dlp output: %w", err)
	}
	if info.URL = info.streamURL(); info.URL == "" {
		return nil, ErrNoStreamURL
	}
	return &info, nil
}

// Resolve implements audio_relay.ResolveFunc.
func (e *Extractor) Resolve(ctx context.Context, rawURL string) (*audio_relay.ResolvedItem, error) {
	if u, err := url.Parse(strings.TrimSpace(rawURL)); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, audio_relay.ErrNotApplicable
	}
	info, err := e.Extract(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	publisher := info.Uploader
	if publisher == "" {
		publisher = info.Channel
	}
	return &audio_relay.ResolvedItem{
		SourceType:      audio_relay.Classify(rawURL, info.Label()),
		Title:           info.Title,
		Publisher:       publisher,
		DurationSeconds: int(info.Duration),
		ThumbnailURL:    info.Thumbnail,
		AudioURL:        info.URL,
		OriginalURL:     rawURL,
	}, nil
}

// excerpt keeps the last few lines of diagnostic output, which is where yt-dlp reports the actual error.
func excerpt(stderr []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stderr)), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	s := strings.Join(lines, " | ")
	if len(s) > 500 {
		s = s[len(s)-500:]
	}
	return s
}

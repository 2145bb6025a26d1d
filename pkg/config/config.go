package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexflint/go-arg"

	"bilidl/pkg/api"
	"bilidl/pkg/downloader"
	"bilidl/pkg/logger"
)

const (
	// DefaultConfigFile is read from the working directory when present
	DefaultConfigFile = "config.json"
	// DefaultContainer is the mux output extension
	DefaultContainer = "mp4"
	// DefaultFnval requests DASH manifests
	DefaultFnval = 4048

	programName = "bilidl"
	version     = "0.3.0"
)

// Config is the resolved settings of one run. Fields with a json tag can be
// given defaults in config.json; the command line always wins.
type Config struct {
	UserAgent          string `json:"userAgent"`
	Referer            string `json:"referer"`
	Proxy              string `json:"proxy"`
	Cookies            string `json:"cookies"`
	CookiesFromBrowser string `json:"cookiesFromBrowser"`
	Output             string `json:"output"`
	MergeOutputFormat  string `json:"mergeOutputFormat"`
	PreferCodec        string `json:"preferCodec"`
	FfmpegPath         string `json:"ffmpegPath"`
	StateDir           string `json:"stateDir"`

	Input       string `json:"-"`
	Page        int    `json:"-"`
	Quality     int    `json:"-"`
	Fnval       int    `json:"-"`
	Out         string `json:"-"`
	Format      string `json:"-"`
	NoMux       bool   `json:"-"`
	PrintOnly   bool   `json:"-"`
	ListFormats bool   `json:"-"`
	Resume      bool   `json:"-"`
	NoCleanup   bool   `json:"-"`
	SaveCookies string `json:"-"`
	Verbose     bool   `json:"-"`
}

// Args represents command line arguments
type Args struct {
	Input              string `arg:"positional,required" help:"BV id or a full Bilibili URL"`
	Page               int    `arg:"-p,--page" default:"1" help:"page number (1-based) for multi-part videos"`
	Quality            int    `arg:"-q,--quality" help:"desired quality id (e.g. 80=1080p, 64=720p); best when absent"`
	Fnval              int    `arg:"--fnval" default:"4048" help:"fnval flags; 4048 requests DASH"`
	PreferCodec        string `arg:"--prefer-codec" help:"prefer codec (avc1|hev1|av01), avc1 when absent"`
	Output             string `arg:"-o,--output" help:"output template, e.g. %(title)s.%(ext)s; overrides --out"`
	Out                string `arg:"--out" help:"output file stem without extension (legacy)"`
	NoMux              bool   `arg:"--no-mux" help:"keep separate .m4s files, do not mux with ffmpeg"`
	PrintOnly          bool   `arg:"--print-only" help:"only print selected stream urls"`
	ListFormats        bool   `arg:"-F,--list-formats" help:"list available formats and exit"`
	UserAgent          string `arg:"--user-agent" help:"HTTP User-Agent header"`
	Referer            string `arg:"--referer" help:"HTTP Referer header"`
	Format             string `arg:"-f,--format" help:"format selection, e.g. bestvideo+bestaudio/best, bv*[height<=1080]+ba"`
	MergeOutputFormat  string `arg:"--merge-output-format" help:"mux container (mp4|mkv), default mp4"`
	Cookies            string `arg:"--cookies" help:"cookies file in Netscape format"`
	CookiesFromBrowser string `arg:"--cookies-from-browser" help:"read cookies from a browser: firefox|chrome|chromium|edge[:profile]"`
	Proxy              string `arg:"--proxy" help:"HTTP/SOCKS proxy url, e.g. http://127.0.0.1:7890"`
	Resume             bool   `arg:"--continue" help:"resume partially downloaded files"`
	NoCleanup          bool   `arg:"--no-cleanup" help:"keep .m4s parts after a successful mux"`
	SaveCookies        string `arg:"--save-cookies" help:"save cookies (Netscape format) after the run"`
	FfmpegPath         string `arg:"--ffmpeg" help:"ffmpeg binary, default ffmpeg on PATH"`
	Verbose            bool   `arg:"-v,--verbose" help:"debug logging"`
}

// Description is shown at the top of --help
func (Args) Description() string {
	return "Simple Bilibili video downloader."
}

// Version is shown by --version
func (Args) Version() string {
	return programName + " " + version
}

// ParseCfg parses configuration from config.json and os.Args. Help and
// version requests print and exit.
func ParseCfg() (*Config, error) {
	var args Args
	p, err := arg.NewParser(arg.Config{Program: programName}, &args)
	if err != nil {
		return nil, err
	}
	if err := p.Parse(os.Args[1:]); err != nil {
		switch {
		case errors.Is(err, arg.ErrHelp):
			p.WriteHelp(os.Stdout)
			os.Exit(0)
		case errors.Is(err, arg.ErrVersion):
			fmt.Println(args.Version())
			os.Exit(0)
		}
		p.WriteUsage(os.Stderr)
		return nil, err
	}
	return resolve(&args, DefaultConfigFile)
}

// ParseCfgFrom parses argv (without the program name) against configPath
func ParseCfgFrom(argv []string, configPath string) (*Config, error) {
	var args Args
	p, err := arg.NewParser(arg.Config{Program: programName}, &args)
	if err != nil {
		return nil, err
	}
	if err := p.Parse(argv); err != nil {
		return nil, err
	}
	return resolve(&args, configPath)
}

func resolve(args *Args, configPath string) (*Config, error) {
	cfg, err := readConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.Input = strings.TrimSpace(args.Input)
	cfg.Page = args.Page
	cfg.Quality = args.Quality
	cfg.Fnval = args.Fnval
	cfg.Out = args.Out
	cfg.Format = strings.TrimSpace(args.Format)
	cfg.NoMux = args.NoMux
	cfg.PrintOnly = args.PrintOnly
	cfg.ListFormats = args.ListFormats
	cfg.Resume = args.Resume
	cfg.NoCleanup = args.NoCleanup
	cfg.SaveCookies = args.SaveCookies
	cfg.Verbose = args.Verbose

	override(&cfg.UserAgent, args.UserAgent)
	override(&cfg.Referer, args.Referer)
	override(&cfg.Proxy, args.Proxy)
	override(&cfg.Output, args.Output)
	override(&cfg.MergeOutputFormat, args.MergeOutputFormat)
	override(&cfg.PreferCodec, args.PreferCodec)
	override(&cfg.FfmpegPath, args.FfmpegPath)
	if args.Cookies != "" || args.CookiesFromBrowser != "" {
		cfg.Cookies = args.Cookies
		cfg.CookiesFromBrowser = args.CookiesFromBrowser
	}

	if cfg.Input == "" {
		return nil, errors.New("input must not be empty")
	}
	if cfg.Page < 0 {
		return nil, fmt.Errorf("page must not be negative, got %d", cfg.Page)
	}
	if cfg.Quality < 0 {
		return nil, fmt.Errorf("quality must not be negative, got %d", cfg.Quality)
	}
	if cfg.Cookies != "" && cfg.CookiesFromBrowser != "" {
		return nil, errors.New("--cookies and --cookies-from-browser cannot be used together")
	}

	defaultTo(&cfg.UserAgent, api.DefaultUserAgent)
	defaultTo(&cfg.Referer, api.DefaultReferer)
	defaultTo(&cfg.FfmpegPath, downloader.DefaultFfmpeg)
	cfg.MergeOutputFormat = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cfg.MergeOutputFormat), "."))
	defaultTo(&cfg.MergeOutputFormat, DefaultContainer)
	cfg.PreferCodec = strings.ToLower(strings.TrimSpace(cfg.PreferCodec))
	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}

	logger.GetLogger().WithField("input", cfg.Input).Debug("Configuration resolved")
	return cfg, nil
}

// Container returns the mux output extension
func (c *Config) Container() string {
	return c.MergeOutputFormat
}

// readConfig reads defaults from configPath. A missing file is not an error.
func readConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultStateDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), programName, "resume")
	}
	return filepath.Join(dir, programName, "resume")
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func defaultTo(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

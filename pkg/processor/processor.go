package processor

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bilidl/pkg/api"
	"bilidl/pkg/config"
	"bilidl/pkg/cookies"
	"bilidl/pkg/downloader"
	"bilidl/pkg/format"
	"bilidl/pkg/fsutil"
	"bilidl/pkg/logger"
	"bilidl/pkg/models"
)

// cookieOrigins are the hosts whose cookies --save-cookies writes out
var cookieOrigins = []string{
	"https://www.bilibili.com/",
	"https://api.bilibili.com/",
	"https://passport.bilibili.com/",
}

// MetadataClient resolves inputs and fetches the signed manifest
type MetadataClient interface {
	ResolveBvidAndCid(input string, page int) (string, uint64, error)
	GetPlayURL(bvid string, cid uint64, quality, fnval int) (*models.PlayURLResp, error)
	GetTitle(bvid string) (string, error)
}

// Fetcher writes representation URLs to disk
type Fetcher interface {
	Download(url, dest string, resume bool) (*downloader.Job, error)
	DownloadPlaylist(url, dest string) (*downloader.Job, error)
}

// Muxer joins the downloaded tracks
type Muxer interface {
	Available() error
	Mux(video, audio, out string) error
}

// Processor runs one invocation: list formats, print urls or download
type Processor struct {
	client  MetadataClient
	fetcher Fetcher
	muxer   Muxer
	config  *config.Config
	cookies *cookies.Store
	out     io.Writer
	errOut  io.Writer
	log     *logrus.Entry
}

// Option configures a Processor
type Option func(*Processor)

// WithMuxer replaces the ffmpeg muxer
func WithMuxer(m Muxer) Option {
	return func(p *Processor) {
		p.muxer = m
	}
}

// WithCookies gives the processor the store to write for --save-cookies
func WithCookies(store *cookies.Store) Option {
	return func(p *Processor) {
		p.cookies = store
	}
}

// WithOutput redirects user-facing output
func WithOutput(out, errOut io.Writer) Option {
	return func(p *Processor) {
		p.out = out
		p.errOut = errOut
	}
}

// NewProcessor creates a new processor instance
func NewProcessor(client MetadataClient, fetcher Fetcher, cfg *config.Config, opts ...Option) *Processor {
	p := &Processor{
		client:  client,
		fetcher: fetcher,
		config:  cfg,
		out:     os.Stdout,
		errOut:  os.Stderr,
		log:     logger.GetLogger().WithField("input", cfg.Input),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.muxer == nil {
		p.muxer = downloader.NewMuxer(cfg.FfmpegPath)
	}
	return p
}

// NewFetcher builds the stream downloader for client: same proxy, cookies and
// headers, no overall request timeout
func NewFetcher(client *api.Client, cfg *config.Config, opts ...downloader.Option) *downloader.Downloader {
	base := []downloader.Option{
		downloader.WithHeaders(cfg.UserAgent, cfg.Referer),
		downloader.WithStateDir(cfg.StateDir),
		downloader.WithPlaylistGetter(client),
	}
	return downloader.NewDownloader(client.DownloadHTTPClient(), append(base, opts...)...)
}

// Run dispatches on the mode flags and saves cookies afterwards when asked
func (p *Processor) Run() error {
	runID := uuid.NewString()
	p.log = logger.WithRun(runID).WithField("input", p.config.Input)
	p.log.Debug("Run started")

	var err error
	switch {
	case p.config.ListFormats:
		err = p.ListFormats()
	case p.config.PrintOnly:
		err = p.PrintOnly()
	default:
		err = p.Download()
	}

	if p.config.SaveCookies != "" {
		if saveErr := p.saveCookies(p.config.SaveCookies); saveErr != nil {
			logger.WrapError(saveErr, map[string]interface{}{
				"run_id": runID,
				"path":   p.config.SaveCookies,
			})
		}
	}
	return err
}

func (p *Processor) saveCookies(path string) error {
	if p.cookies == nil {
		p.cookies = cookies.NewStore()
	}
	var origins []*url.URL
	for _, o := range cookieOrigins {
		if u, err := url.Parse(o); err == nil {
			origins = append(origins, u)
		}
	}
	p.cookies.Collect(origins...)
	if err := p.cookies.SaveNetscape(path); err != nil {
		return err
	}
	p.log.WithFields(logrus.Fields{"path": path, "count": p.cookies.Len()}).Debug("Cookies saved")
	return nil
}

// manifest resolves the input and fetches the DASH manifest. dash is nil
// when the response carried none.
func (p *Processor) manifest() (string, uint64, *models.Dash, error) {
	bvid, cid, err := p.client.ResolveBvidAndCid(p.config.Input, p.config.Page)
	if err != nil {
		return "", 0, nil, fmt.Errorf("resolve BV and CID failed: %w", err)
	}
	p.log = p.log.WithFields(logrus.Fields{"bvid": bvid, "cid": cid})

	play, err := p.client.GetPlayURL(bvid, cid, p.config.Quality, p.config.Fnval)
	if err != nil {
		return bvid, cid, nil, fmt.Errorf("get playurl failed: %w", err)
	}
	if play.Data == nil || play.Data.Dash == nil {
		return bvid, cid, nil, nil
	}
	return bvid, cid, play.Data.Dash, nil
}

// picker returns the grammar selection when -f is given, the flag-driven
// one otherwise, plus the expression for error messages
func (p *Processor) picker() (format.Picker, string) {
	if p.config.Format != "" {
		sel := format.Parse(p.config.Format)
		p.log.WithField("selection", sel.String()).Debug("Parsed format expression")
		return sel, p.config.Format
	}
	return format.ParseLegacy("", p.config.PreferCodec), ""
}

// ListFormats prints every representation of the manifest
func (p *Processor) ListFormats() error {
	bvid, cid, dash, err := p.manifest()
	if err != nil {
		return err
	}
	if dash == nil {
		fmt.Fprintln(p.errOut, "No DASH data returned. Try with cookies or other quality.")
		return nil
	}

	videos := append([]models.DashVideo(nil), dash.Video...)
	sort.SliceStable(videos, func(i, j int) bool {
		hi, hj := heightKey(&videos[i]), heightKey(&videos[j])
		if hi != hj {
			return hi > hj
		}
		return videos[i].ID > videos[j].ID
	})
	audios := append([]models.DashAudio(nil), dash.Audio...)
	sort.SliceStable(audios, func(i, j int) bool {
		return audios[i].ID > audios[j].ID
	})

	fmt.Fprintf(p.out, "Formats for %s (cid %d):\n", bvid, cid)
	fmt.Fprintln(p.out, "ID   type   res    codec         br (kbps)  note")
	fmt.Fprintln(p.out, "---- ------ ------ ------------- ----------  ----")
	for i := range videos {
		v := &videos[i]
		fmt.Fprintf(p.out, "%-4d video  %4dp %-13s %10d  %s\n",
			v.ID, v.HeightOrZero(), v.Codecs, v.Bandwidth/1000, videoNote(v))
	}
	for i := range audios {
		a := &audios[i]
		fmt.Fprintf(p.out, "%-4d audio   ----  %-13s %10d  %s\n",
			a.ID, a.Codecs, a.Bandwidth/1000, audioNote(a))
	}
	return nil
}

func heightKey(v *models.DashVideo) int {
	if v.Height == nil {
		return -1
	}
	return *v.Height
}

func videoNote(v *models.DashVideo) string {
	note := models.DescribeQuality(v.ID)
	if n := len(v.BackupURL); n > 0 {
		note += fmt.Sprintf(", %d backup", n)
	}
	return note
}

func audioNote(a *models.DashAudio) string {
	note := models.AudioQualityMap[a.ID]
	if n := len(a.BackupURL); n > 0 {
		if note != "" {
			note += ", "
		}
		note += fmt.Sprintf("%d backup", n)
	}
	return note
}

// PrintOnly prints the selected stream urls without downloading
func (p *Processor) PrintOnly() error {
	bvid, cid, dash, err := p.manifest()
	if err != nil {
		return err
	}
	if dash == nil {
		fmt.Fprintln(p.out, "No DASH data available (maybe login required or invalid params)")
		return nil
	}

	picker, _ := p.picker()
	v, a, _ := picker.Pick(dash)

	fmt.Fprintf(p.out, "bvid: %s  cid: %d\n", bvid, cid)
	if v != nil {
		fmt.Fprintf(p.out, "video[%d %s %dp]: %s\n", v.ID, v.Codecs, v.HeightOrZero(), v.BaseURL)
	}
	if a != nil {
		fmt.Fprintf(p.out, "audio[%d %s]: %s\n", a.ID, a.Codecs, a.BaseURL)
	}
	return nil
}

// Download selects, downloads and muxes. Selection failure is reported
// before anything is written; a mux failure leaves the tracks and is not
// an error.
func (p *Processor) Download() error {
	bvid, cid, dash, err := p.manifest()
	if err != nil {
		return err
	}

	title, err := p.client.GetTitle(bvid)
	if err != nil || title == "" {
		p.log.WithError(err).Debug("Title unavailable, using BV id")
		title = bvid
	}

	if dash == nil {
		fmt.Fprintln(p.errOut, "No DASH data returned. Try a different quality, or with cookies.")
		return nil
	}

	picker, expr := p.picker()
	v, a, ok := picker.Pick(dash)
	if !ok {
		fmt.Fprintln(p.errOut, "No suitable streams found.")
		return &models.SelectionError{Expression: expr}
	}

	container := p.config.Container()
	stem := p.outputStem(title, bvid, cid, container)
	p.log.WithFields(logrus.Fields{"stem": stem, "container": container}).Debug("Output resolved")

	if v != nil && a != nil && !p.config.NoMux {
		if err := p.muxer.Available(); err != nil {
			fmt.Fprintf(p.errOut, "Warning: %v. Tracks will be kept unmuxed.\n", err)
		}
	}

	var videoPath, audioPath string
	if v != nil {
		videoPath = fsutil.PartPath(stem, "v", v.ID)
		fmt.Fprintf(p.out, "Video %d %s %dp -> %s\n", v.ID, v.Codecs, v.HeightOrZero(), videoPath)
		if err := p.fetch(v.BaseURL, videoPath); err != nil {
			return err
		}
	}
	if a != nil {
		audioPath = fsutil.PartPath(stem, "a", a.ID)
		fmt.Fprintf(p.out, "Audio %d %s -> %s\n", a.ID, a.Codecs, audioPath)
		if err := p.fetch(a.BaseURL, audioPath); err != nil {
			return err
		}
	}

	if p.config.NoMux {
		fmt.Fprintln(p.out, "Saved tracks. Skipping mux (--no-mux). Done.")
		return nil
	}
	if videoPath == "" || audioPath == "" {
		return nil
	}

	outPath := stem + "." + container
	if err := p.muxer.Mux(videoPath, audioPath, outPath); err != nil {
		fmt.Fprintf(p.errOut, "ffmpeg mux failed: %v. Tracks left as-is\n", err)
		p.log.WithFields(logrus.Fields{
			"output": outPath,
			"reason": muxReason(err),
		}).Warn("Mux failed")
		return nil
	}
	fmt.Fprintf(p.out, "Muxed -> %s\n", outPath)

	if !p.config.NoCleanup {
		if err := downloader.RemoveParts(videoPath, audioPath); err != nil {
			p.log.WithError(err).Debug("Could not remove track files")
		}
	}
	return nil
}

func (p *Processor) outputStem(title, bvid string, cid uint64, container string) string {
	tpl := p.config.Output
	if tpl == "" {
		tpl = p.config.Out
	}
	if tpl != "" {
		return fsutil.ExpandTemplate(tpl, title, bvid, cid, container)
	}
	return fsutil.SanitizeFilename(title)
}

func (p *Processor) fetch(rawURL, dest string) error {
	var err error
	if downloader.IsPlaylistURL(rawURL) {
		_, err = p.fetcher.DownloadPlaylist(rawURL, dest)
	} else {
		_, err = p.fetcher.Download(rawURL, dest, p.config.Resume)
	}
	if err != nil {
		return logger.WrapError(fmt.Errorf("download %s: %w", dest, err), map[string]interface{}{
			"dest":   dest,
			"resume": p.config.Resume,
		})
	}
	return nil
}

func muxReason(err error) string {
	var muxErr *models.MuxError
	if errors.As(err, &muxErr) {
		return downloader.DescribeMuxFailure(muxErr.Output)
	}
	return err.Error()
}

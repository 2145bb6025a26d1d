package downloader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	urlPkg "net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"github.com/sirupsen/logrus"

	"bilidl/pkg/fsutil"
	"bilidl/pkg/logger"
	"bilidl/pkg/models"
)

// StateMaxAge is how long an untouched resume sidecar is kept
const StateMaxAge = 7 * 24 * time.Hour

// JobState is the lifecycle of one transfer
type JobState int

const (
	StateIdle JobState = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s JobState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job describes one transfer of a URL to a local file
type Job struct {
	URL      string
	Dest     string
	Resume   bool
	Existing int64
	Total    int64
	Written  int64
	State    JobState
}

// PlaylistGetter fetches and parses an HLS media playlist
type PlaylistGetter interface {
	GetMediaPlaylist(rawURL string) (*m3u8.MediaPlaylist, error)
}

// destFile is the file a transfer writes into
type destFile interface {
	io.Writer
	Close() error
}

// Downloader streams representation URLs to disk
type Downloader struct {
	http      *http.Client
	userAgent string
	referer   string
	progress  io.Writer
	resume    *ResumeManager
	playlists PlaylistGetter
	open      func(dest string, appending bool) (destFile, error)
}

// Option configures a Downloader
type Option func(*Downloader)

// WithHeaders sets the User-Agent and Referer sent with every request
func WithHeaders(userAgent, referer string) Option {
	return func(d *Downloader) {
		d.userAgent = userAgent
		d.referer = referer
	}
}

// WithProgress redirects the progress line
func WithProgress(w io.Writer) Option {
	return func(d *Downloader) {
		d.progress = w
	}
}

// WithStateDir enables resume sidecars in dir
func WithStateDir(dir string) Option {
	return func(d *Downloader) {
		if dir != "" {
			d.resume = NewResumeManager(dir)
		}
	}
}

// WithPlaylistGetter sets the HLS playlist source
func WithPlaylistGetter(g PlaylistGetter) Option {
	return func(d *Downloader) {
		d.playlists = g
	}
}

// NewDownloader creates a new downloader instance. httpClient may be nil.
func NewDownloader(httpClient *http.Client, opts ...Option) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	d := &Downloader{
		http:     httpClient,
		progress: os.Stdout,
		open:     openDest,
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.resume != nil {
		if n, err := d.resume.CleanupOldStates(StateMaxAge); err != nil {
			logger.GetLogger().WithError(err).Debug("Resume state cleanup failed")
		} else if n > 0 {
			logger.GetLogger().WithField("removed", n).Debug("Removed stale resume state")
		}
	}
	return d
}

// ParseContentRange returns the total size from a "bytes a-b/total" header,
// 0 when it is missing or not a number
func ParseContentRange(h string) int64 {
	idx := strings.LastIndex(h, "/")
	if idx < 0 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(h[idx+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}

func (d *Downloader) newRequest(rawURL string, startByte int64) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if d.referer != "" {
		req.Header.Set("Referer", d.referer)
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}
	return req, nil
}

func (d *Downloader) fail(job *Job, err error) (*Job, error) {
	job.State = StateFailed
	logger.GetLogger().WithFields(logrus.Fields{
		"url":     job.URL,
		"dest":    job.Dest,
		"written": job.Written,
	}).WithError(err).Debug("Download failed")
	return job, err
}

// Download streams url to dest. With resume set and bytes already on disk
// it asks for the remainder and appends when the server answers 206;
// any other 2xx answer rewrites the file from the start. A failed transfer
// keeps whatever was written. There is no retry here.
func (d *Downloader) Download(url, dest string, resume bool) (*Job, error) {
	job := &Job{URL: url, Dest: dest, Resume: resume, State: StateIdle}
	fsutil.EnsureParentDir(dest)

	if resume {
		job.Existing = fsutil.FileSize(dest)
	}

	var state *ResumeState
	if d.resume != nil && job.Existing > 0 {
		saved, err := d.resume.LoadState(dest)
		if err != nil {
			logger.GetLogger().WithError(err).Debug("Ignoring unreadable resume state")
		} else if d.resume.IsComplete(saved) {
			job.Total, job.Written = saved.TotalSize, saved.TotalSize
			job.State = StateCompleted
			d.resume.DeleteState(dest)
			fmt.Fprintf(d.progress, "%s already complete, skipping.\n", dest)
			return job, nil
		}
	}

	job.State = StateRequesting
	req, err := d.newRequest(url, job.Existing)
	if err != nil {
		return d.fail(job, models.NewDownloadError(models.ErrNetwork, "Invalid download url", "Check the stream url", false, err))
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return d.fail(job, classifyTransferError(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.fail(job, models.NewDownloadError(models.ErrHTTPStatus,
			fmt.Sprintf("server returned %s", resp.Status),
			"The stream url may have expired - resolve the video again", false, errors.New(resp.Status)))
	}

	// a 206 without a numeric total stays unknown; its Content-Length is only the remainder
	if resp.StatusCode == http.StatusPartialContent {
		job.Total = ParseContentRange(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength > 0 {
		job.Total = resp.ContentLength
	}

	appending := job.Existing > 0 && resp.StatusCode == http.StatusPartialContent
	seed := int64(0)
	if appending {
		seed = job.Existing
		fmt.Fprintf(d.progress, "Resuming from byte %d...\n", seed)
	}
	f, err := d.open(dest, appending)
	if err != nil {
		return d.fail(job, models.NewDownloadError(models.ErrFileSystem, "Cannot open destination file", "Check write permissions for the output directory", false, err))
	}

	if d.resume != nil {
		state = d.resume.CreateInitialState(dest, url, job.Total, seed)
		if err := d.resume.SaveState(state); err != nil {
			logger.GetLogger().WithError(err).Debug("Could not save resume state")
			state = nil
		}
	}

	job.State = StateStreaming
	counter := models.NewWriteCounter(job.Total, seed)
	counter.Out = d.progress
	n, err := io.Copy(f, io.TeeReader(resp.Body, counter))
	closeErr := f.Close()
	fmt.Fprintln(d.progress, "")
	job.Written = seed + n

	if err != nil || closeErr != nil {
		if state != nil {
			d.resume.UpdateProgress(state, job.Written)
		}
		if err != nil {
			return d.fail(job, classifyTransferError(err))
		}
		return d.fail(job, closeError(closeErr))
	}

	if state != nil {
		d.resume.DeleteState(dest)
	}
	job.State = StateCompleted
	return job, nil
}

// DownloadPlaylist fetches an HLS media playlist and writes its segments to
// dest in order
func (d *Downloader) DownloadPlaylist(url, dest string) (*Job, error) {
	job := &Job{URL: url, Dest: dest, State: StateRequesting}
	fsutil.EnsureParentDir(dest)

	playlist, err := d.mediaPlaylist(url)
	if err != nil {
		return d.fail(job, err)
	}
	base, err := urlPkg.Parse(url)
	if err != nil {
		return d.fail(job, models.NewDownloadError(models.ErrNetwork, "Invalid playlist url", "Check the stream url", false, err))
	}

	var segURLs []string
	for _, seg := range playlist.Segments {
		if seg == nil {
			continue
		}
		ref, err := urlPkg.Parse(seg.URI)
		if err != nil {
			return d.fail(job, models.NewDownloadError(models.ErrCorruption, "Invalid segment uri", "The playlist may be corrupted", false, err))
		}
		segURLs = append(segURLs, base.ResolveReference(ref).String())
	}

	f, err := d.open(dest, false)
	if err != nil {
		return d.fail(job, models.NewDownloadError(models.ErrFileSystem, "Cannot open destination file", "Check write permissions for the output directory", false, err))
	}

	job.State = StateStreaming
	segTotal := len(segURLs)
	for segNum, segURL := range segURLs {
		fmt.Fprintf(d.progress, "\rSegment %d of %d.", segNum+1, segTotal)

		n, err := d.copySegment(f, segURL)
		job.Written += n
		if err != nil {
			f.Close()
			fmt.Fprintln(d.progress, "")
			return d.fail(job, err)
		}
	}
	fmt.Fprintln(d.progress, "")
	if err := f.Close(); err != nil {
		return d.fail(job, closeError(err))
	}

	job.Total = job.Written
	job.State = StateCompleted
	return job, nil
}

func openDest(dest string, appending bool) (destFile, error) {
	if appending {
		return fsutil.AppendFile(dest)
	}
	return fsutil.WriteFile(dest)
}

func closeError(err error) error {
	return models.NewDownloadError(models.ErrFileSystem, "Cannot finish writing destination file", "Check free disk space and permissions", false, err)
}

func (d *Downloader) copySegment(w io.Writer, segURL string) (int64, error) {
	req, err := d.newRequest(segURL, 0)
	if err != nil {
		return 0, models.NewDownloadError(models.ErrNetwork, "Invalid segment url", "The playlist may be corrupted", false, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return 0, classifyTransferError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, models.NewDownloadError(models.ErrHTTPStatus,
			fmt.Sprintf("segment returned %s", resp.Status), "The stream url may have expired", false, errors.New(resp.Status))
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, classifyTransferError(err)
	}
	return n, nil
}

func (d *Downloader) mediaPlaylist(url string) (*m3u8.MediaPlaylist, error) {
	if d.playlists != nil {
		return d.playlists.GetMediaPlaylist(url)
	}

	req, err := d.newRequest(url, 0)
	if err != nil {
		return nil, models.NewDownloadError(models.ErrNetwork, "Invalid playlist url", "Check the stream url", false, err)
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, classifyTransferError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, models.NewDownloadError(models.ErrHTTPStatus,
			fmt.Sprintf("playlist returned %s", resp.Status), "The stream url may have expired", false, errors.New(resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransferError(err)
	}
	playlist, _, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, &models.DecodeError{URL: url, Err: err}
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &models.DecodeError{URL: url, Err: errors.New("not a media playlist")}
	}
	return media, nil
}

func classifyTransferError(err error) *models.DownloadError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewDownloadError(models.ErrTimeout, "Download timeout", "Check your internet connection and run again with --continue", true, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return models.NewDownloadError(models.ErrCorruption, "Download incomplete (unexpected EOF)", "Run again with --continue to resume", true, err)
	}
	return models.NewDownloadError(models.ErrNetwork, "Download failed", "Check your internet connection and run again with --continue", true, err)
}

// IsPlaylistURL reports whether a representation url points at an HLS playlist
func IsPlaylistURL(rawURL string) bool {
	u, err := urlPkg.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// RemoveParts deletes intermediate track files, ignoring ones already gone
func RemoveParts(paths ...string) error {
	var lastErr error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			lastErr = err
		}
	}
	return lastErr
}

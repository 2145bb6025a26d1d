package downloader

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/grafov/m3u8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"bilidl/pkg/models"
)

const trackSize = 2000

// TestSuite for downloader package
type DownloaderTestSuite struct {
	suite.Suite
	tempDir    string
	server     *httptest.Server
	downloader *Downloader
	progress   *bytes.Buffer
	content    []byte
	hits       int32
	lastRange  string
	lastUA     string
	lastRef    string
}

// SetupTest creates a temporary directory and test infrastructure
func (suite *DownloaderTestSuite) SetupTest() {
	tempDir, err := os.MkdirTemp("", "downloader_test_*")
	suite.Require().NoError(err)
	suite.tempDir = tempDir

	suite.content = make([]byte, trackSize)
	for i := range suite.content {
		suite.content[i] = byte(i % 251)
	}
	suite.hits = 0
	suite.lastRange, suite.lastUA, suite.lastRef = "", "", ""

	suite.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.handleRequest(w, r)
	}))

	suite.progress = &bytes.Buffer{}
	suite.downloader = NewDownloader(suite.server.Client(),
		WithHeaders("bilidl-test", "https://www.bilibili.com"),
		WithProgress(suite.progress),
		WithStateDir(filepath.Join(tempDir, "state")),
	)
}

// TearDownTest cleans up the temporary directory
func (suite *DownloaderTestSuite) TearDownTest() {
	suite.server.Close()
	if suite.tempDir != "" {
		os.RemoveAll(suite.tempDir)
	}
}

// handleRequest mocks a CDN that honours byte ranges
func (suite *DownloaderTestSuite) handleRequest(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&suite.hits, 1)
	suite.lastRange = r.Header.Get("Range")
	suite.lastUA = r.UserAgent()
	suite.lastRef = r.Referer()

	switch r.URL.Path {
	case "/track.m4s":
		if start, ok := parseRangeStart(suite.lastRange); ok && start < trackSize {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, trackSize-1, trackSize))
			w.Header().Set("Content-Length", strconv.Itoa(trackSize-int(start)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(suite.content[start:])
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(trackSize))
		w.Write(suite.content)
	case "/norange.m4s":
		w.Write(suite.content)
	case "/unknown-total.m4s":
		if start, ok := parseRangeStart(suite.lastRange); ok && start < trackSize {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", start, trackSize-1))
			w.Header().Set("Content-Length", strconv.Itoa(trackSize-int(start)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(suite.content[start:])
			return
		}
		w.Write(suite.content)
	case "/non-authoritative.m4s":
		w.Header().Set("Content-Length", strconv.Itoa(trackSize))
		w.WriteHeader(http.StatusNonAuthoritativeInfo)
		w.Write(suite.content)
	case "/truncated.m4s":
		w.Header().Set("Content-Length", strconv.Itoa(trackSize))
		w.Write(suite.content[:100])
	case "/hls/playlist.m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n" +
			"#EXTINF:10.0,\nseg/0.ts\n#EXTINF:10.0,\n/hls/seg/1.ts\n#EXT-X-ENDLIST\n"))
	case "/hls/seg/0.ts":
		w.Write([]byte("AAAA"))
	case "/hls/seg/1.ts":
		w.Write([]byte("BBBB"))
	case "/hls/broken.m3u8":
		w.Write([]byte("#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg/0.ts\n#EXTINF:10.0,\nseg/gone.ts\n#EXT-X-ENDLIST\n"))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func parseRangeStart(h string) (int64, bool) {
	if !strings.HasPrefix(h, "bytes=") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(h, "bytes="), "-"), 10, 64)
	return n, err == nil
}

func (suite *DownloaderTestSuite) dest(name string) string {
	return filepath.Join(suite.tempDir, "out", name)
}

func (suite *DownloaderTestSuite) readDest(path string) []byte {
	data, err := os.ReadFile(path)
	suite.Require().NoError(err)
	return data
}

// TestDownload_Full tests a fresh download into a directory that does not exist yet
func (suite *DownloaderTestSuite) TestDownload_Full() {
	dest := suite.dest("v.m4s")

	job, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, false)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), StateCompleted, job.State)
	assert.Equal(suite.T(), int64(trackSize), job.Total)
	assert.Equal(suite.T(), int64(trackSize), job.Written)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
	assert.Empty(suite.T(), suite.lastRange)
	assert.Equal(suite.T(), "bilidl-test", suite.lastUA)
	assert.Equal(suite.T(), "https://www.bilibili.com", suite.lastRef)
	assert.Contains(suite.T(), suite.progress.String(), "100%")
}

// TestDownload_ResumeAppends tests a 206 continuation from the bytes on disk
func (suite *DownloaderTestSuite) TestDownload_ResumeAppends() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, suite.content[:1000], 0644))

	job, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, true)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), "bytes=1000-", suite.lastRange)
	assert.Equal(suite.T(), int64(1000), job.Existing)
	assert.Equal(suite.T(), int64(trackSize), job.Total)
	assert.Equal(suite.T(), int64(trackSize), job.Written)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
	assert.Contains(suite.T(), suite.progress.String(), "Resuming from byte 1000")
}

// TestDownload_NoResumeTruncates tests that existing bytes are discarded without --continue
func (suite *DownloaderTestSuite) TestDownload_NoResumeTruncates() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, bytes.Repeat([]byte("x"), 3000), 0644))

	job, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, false)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), int64(0), job.Existing)
	assert.Empty(suite.T(), suite.lastRange)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
}

// TestDownload_RangeIgnored tests a server that answers 200 to a range request
func (suite *DownloaderTestSuite) TestDownload_RangeIgnored() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, suite.content[:500], 0644))

	job, err := suite.downloader.Download(suite.server.URL+"/norange.m4s", dest, true)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), "bytes=500-", suite.lastRange)
	assert.Equal(suite.T(), int64(trackSize), job.Written)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
}

// TestDownload_UnknownTotal tests that a 206 with a "*" total leaves the size unknown
func (suite *DownloaderTestSuite) TestDownload_UnknownTotal() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, suite.content[:1000], 0644))

	job, err := suite.downloader.Download(suite.server.URL+"/unknown-total.m4s", dest, true)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), int64(0), job.Total)
	assert.Equal(suite.T(), int64(trackSize), job.Written)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
}

// TestDownload_Any2xxAccepted tests that success statuses other than 200 and 206 stream normally
func (suite *DownloaderTestSuite) TestDownload_Any2xxAccepted() {
	dest := suite.dest("v.m4s")

	job, err := suite.downloader.Download(suite.server.URL+"/non-authoritative.m4s", dest, false)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), StateCompleted, job.State)
	assert.Equal(suite.T(), int64(trackSize), job.Total)
	assert.Equal(suite.T(), suite.content, suite.readDest(dest))
}

type failingClose struct {
	*os.File
}

func (f failingClose) Close() error {
	f.File.Close()
	return errors.New("no space left on device")
}

// TestDownload_CloseErrorFails tests that a failed final flush is not reported as completed
func (suite *DownloaderTestSuite) TestDownload_CloseErrorFails() {
	suite.downloader.open = func(dest string, appending bool) (destFile, error) {
		f, err := openDest(dest, appending)
		if err != nil {
			return nil, err
		}
		return failingClose{f.(*os.File)}, nil
	}
	dest := suite.dest("v.m4s")

	job, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, false)

	var dlErr *models.DownloadError
	suite.Require().True(errors.As(err, &dlErr))
	assert.Equal(suite.T(), models.ErrFileSystem, dlErr.Type)
	assert.Equal(suite.T(), StateFailed, job.State)

	state, err := suite.downloader.resume.LoadState(dest)
	suite.Require().NoError(err)
	suite.Require().NotNil(state)
	assert.Equal(suite.T(), int64(trackSize), state.DownloadedSize)
}

// TestDownload_HTTPErrorKeepsPartial tests that a failed status leaves the partial file alone
func (suite *DownloaderTestSuite) TestDownload_HTTPErrorKeepsPartial() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, suite.content[:700], 0644))

	job, err := suite.downloader.Download(suite.server.URL+"/missing.m4s", dest, true)

	var dlErr *models.DownloadError
	suite.Require().True(errors.As(err, &dlErr))
	assert.Equal(suite.T(), models.ErrHTTPStatus, dlErr.Type)
	assert.Equal(suite.T(), StateFailed, job.State)
	assert.Equal(suite.T(), suite.content[:700], suite.readDest(dest))
	assert.Equal(suite.T(), int32(1), atomic.LoadInt32(&suite.hits))
}

// TestDownload_InterruptedSavesState tests that a short body leaves a resumable sidecar
func (suite *DownloaderTestSuite) TestDownload_InterruptedSavesState() {
	dest := suite.dest("v.m4s")

	job, err := suite.downloader.Download(suite.server.URL+"/truncated.m4s", dest, false)

	var dlErr *models.DownloadError
	suite.Require().True(errors.As(err, &dlErr))
	assert.True(suite.T(), dlErr.Retryable)
	assert.Equal(suite.T(), StateFailed, job.State)
	assert.Equal(suite.T(), int64(100), job.Written)
	assert.Equal(suite.T(), int64(100), int64(len(suite.readDest(dest))))

	state, err := suite.downloader.resume.LoadState(dest)
	suite.Require().NoError(err)
	suite.Require().NotNil(state)
	assert.Equal(suite.T(), int64(trackSize), state.TotalSize)
	assert.Equal(suite.T(), int64(100), state.DownloadedSize)
}

// TestDownload_CompleteStateSkipsRequest tests that a finished file is not fetched again
func (suite *DownloaderTestSuite) TestDownload_CompleteStateSkipsRequest() {
	dest := suite.dest("v.m4s")
	suite.Require().NoError(os.MkdirAll(filepath.Dir(dest), 0755))
	suite.Require().NoError(os.WriteFile(dest, suite.content, 0644))
	rm := suite.downloader.resume
	suite.Require().NoError(rm.SaveState(rm.CreateInitialState(dest, "https://old/url", trackSize, trackSize)))

	job, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, true)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), StateCompleted, job.State)
	assert.Equal(suite.T(), int64(trackSize), job.Written)
	assert.Equal(suite.T(), int32(0), atomic.LoadInt32(&suite.hits))

	state, err := rm.LoadState(dest)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), state)
}

// TestDownload_StateRemovedOnSuccess tests sidecar cleanup after a completed transfer
func (suite *DownloaderTestSuite) TestDownload_StateRemovedOnSuccess() {
	dest := suite.dest("v.m4s")

	_, err := suite.downloader.Download(suite.server.URL+"/track.m4s", dest, false)
	suite.Require().NoError(err)

	state, err := suite.downloader.resume.LoadState(dest)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), state)
}

// TestDownload_Unreachable tests a transport failure
func (suite *DownloaderTestSuite) TestDownload_Unreachable() {
	addr := suite.server.URL
	suite.server.Close()

	job, err := suite.downloader.Download(addr+"/track.m4s", suite.dest("v.m4s"), false)

	var dlErr *models.DownloadError
	suite.Require().True(errors.As(err, &dlErr))
	assert.Equal(suite.T(), models.ErrNetwork, dlErr.Type)
	assert.Equal(suite.T(), StateFailed, job.State)
}

// TestDownloadPlaylist tests segment download with relative and absolute uris
func (suite *DownloaderTestSuite) TestDownloadPlaylist() {
	dest := suite.dest("a.m4s")

	job, err := suite.downloader.DownloadPlaylist(suite.server.URL+"/hls/playlist.m3u8", dest)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), StateCompleted, job.State)
	assert.Equal(suite.T(), int64(8), job.Total)
	assert.Equal(suite.T(), "AAAABBBB", string(suite.readDest(dest)))
	assert.Contains(suite.T(), suite.progress.String(), "Segment 2 of 2.")
}

// TestDownloadPlaylist_MissingSegment tests that a failing segment stops the job
func (suite *DownloaderTestSuite) TestDownloadPlaylist_MissingSegment() {
	dest := suite.dest("a.m4s")

	job, err := suite.downloader.DownloadPlaylist(suite.server.URL+"/hls/broken.m3u8", dest)

	var dlErr *models.DownloadError
	suite.Require().True(errors.As(err, &dlErr))
	assert.Equal(suite.T(), int64(4), job.Written)
	assert.Equal(suite.T(), "AAAA", string(suite.readDest(dest)))
}

type fakePlaylists struct {
	calls int
}

func (f *fakePlaylists) GetMediaPlaylist(rawURL string) (*m3u8.MediaPlaylist, error) {
	f.calls++
	p, err := m3u8.NewMediaPlaylist(1, 1)
	if err != nil {
		return nil, err
	}
	if err := p.Append("seg/1.ts", 10, ""); err != nil {
		return nil, err
	}
	p.Close()
	return p, nil
}

// TestDownloadPlaylist_Getter tests that an injected playlist source is used
func (suite *DownloaderTestSuite) TestDownloadPlaylist_Getter() {
	getter := &fakePlaylists{}
	d := NewDownloader(suite.server.Client(), WithProgress(suite.progress), WithPlaylistGetter(getter))
	dest := suite.dest("a.m4s")

	_, err := d.DownloadPlaylist(suite.server.URL+"/hls/playlist.m3u8", dest)

	suite.Require().NoError(err)
	assert.Equal(suite.T(), 1, getter.calls)
	assert.Equal(suite.T(), "BBBB", string(suite.readDest(dest)))
}

func (suite *DownloaderTestSuite) TestParseContentRange() {
	cases := map[string]int64{
		"bytes 1000-1999/2000": 2000,
		"bytes 0-0/1":          1,
		"bytes */5000":         5000,
		"bytes 0-99/*":         0,
		"":                     0,
		"garbage":              0,
	}
	for h, want := range cases {
		assert.Equal(suite.T(), want, ParseContentRange(h), h)
	}
}

func (suite *DownloaderTestSuite) TestJobState_String() {
	assert.Equal(suite.T(), "idle", StateIdle.String())
	assert.Equal(suite.T(), "streaming", StateStreaming.String())
	assert.Equal(suite.T(), "failed", StateFailed.String())
	assert.Equal(suite.T(), "unknown", JobState(42).String())
}

func (suite *DownloaderTestSuite) TestIsPlaylistURL() {
	assert.True(suite.T(), IsPlaylistURL("https://cdn.example.com/x/index.M3U8?token=1"))
	assert.False(suite.T(), IsPlaylistURL("https://cdn.example.com/x/30280.m4s?m3u8=1"))
}

func (suite *DownloaderTestSuite) TestRemoveParts() {
	a := filepath.Join(suite.tempDir, "a.m4s")
	suite.Require().NoError(os.WriteFile(a, []byte("a"), 0644))

	err := RemoveParts(a, filepath.Join(suite.tempDir, "never-existed.m4s"))

	assert.NoError(suite.T(), err)
	_, statErr := os.Stat(a)
	assert.True(suite.T(), os.IsNotExist(statErr))
}

func (suite *DownloaderTestSuite) writeScript(name, body string) string {
	path := filepath.Join(suite.tempDir, name)
	suite.Require().NoError(os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func (suite *DownloaderTestSuite) TestMuxer_Mux() {
	if runtime.GOOS == "windows" {
		suite.T().Skip("shell script stand-in for ffmpeg")
	}
	tool := suite.writeScript("fake-ffmpeg",
		"if [ \"$1\" = \"-version\" ]; then echo ffmpeg version test; exit 0; fi\ncat \"$3\" \"$5\" > \"$8\"\n")
	v := filepath.Join(suite.tempDir, "v.m4s")
	a := filepath.Join(suite.tempDir, "a.m4s")
	out := filepath.Join(suite.tempDir, "out.mp4")
	suite.Require().NoError(os.WriteFile(v, []byte("video"), 0644))
	suite.Require().NoError(os.WriteFile(a, []byte("audio"), 0644))

	m := NewMuxer(tool)
	suite.Require().NoError(m.Available())
	suite.Require().NoError(m.Mux(v, a, out))

	assert.Equal(suite.T(), "videoaudio", string(suite.readDest(out)))
}

func (suite *DownloaderTestSuite) TestMuxer_Failure() {
	if runtime.GOOS == "windows" {
		suite.T().Skip("shell script stand-in for ffmpeg")
	}
	tool := suite.writeScript("bad-ffmpeg", "echo 'Invalid data found when processing input' >&2\nexit 1\n")

	err := NewMuxer(tool).Mux("v", "a", filepath.Join(suite.tempDir, "out.mp4"))

	var muxErr *models.MuxError
	suite.Require().True(errors.As(err, &muxErr))
	assert.Equal(suite.T(), tool, muxErr.Tool)
	assert.Contains(suite.T(), muxErr.Output, "Invalid data found")
	assert.Equal(suite.T(), "track appears corrupted; download it again", DescribeMuxFailure(muxErr.Output))
}

func (suite *DownloaderTestSuite) TestMuxer_NoOutput() {
	if runtime.GOOS == "windows" {
		suite.T().Skip("shell script stand-in for ffmpeg")
	}
	tool := suite.writeScript("lazy-ffmpeg", "exit 0\n")

	err := NewMuxer(tool).Mux("v", "a", filepath.Join(suite.tempDir, "out.mp4"))

	var muxErr *models.MuxError
	suite.Require().True(errors.As(err, &muxErr))
	assert.Contains(suite.T(), muxErr.Error(), "output file was not created")
}

func (suite *DownloaderTestSuite) TestMuxer_Missing() {
	m := NewMuxer(filepath.Join(suite.tempDir, "no-such-ffmpeg"))

	var muxErr *models.MuxError
	assert.True(suite.T(), errors.As(m.Available(), &muxErr))
	assert.Equal(suite.T(), DefaultFfmpeg, NewMuxer("").FfmpegPath)
}

// Run the test suite
func TestDownloaderTestSuite(t *testing.T) {
	suite.Run(t, new(DownloaderTestSuite))
}

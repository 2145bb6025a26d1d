package models

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
)

// Quality describes a platform quality id (qn) for video streams
type Quality struct {
	ID          int
	Resolution  string
	Description string
}

// WriteCounter tracks download progress
type WriteCounter struct {
	Total      int64
	TotalStr   string
	Downloaded int64
	Percentage int
	StartTime  int64
	// Seed is the byte count already on disk when the transfer started.
	Seed int64
	Out  io.Writer
}

// NewWriteCounter creates a counter seeded with the bytes already written
func NewWriteCounter(total, seed int64) *WriteCounter {
	totalStr := "?"
	if total > 0 {
		totalStr = humanize.Bytes(uint64(total))
	}
	return &WriteCounter{
		Total:      total,
		TotalStr:   totalStr,
		Downloaded: seed,
		Seed:       seed,
		StartTime:  time.Now().UnixMilli(),
	}
}

// Write implements io.Writer interface for progress tracking
func (wc *WriteCounter) Write(p []byte) (int, error) {
	var speed int64
	n := len(p)
	wc.Downloaded += int64(n)

	var percentage float64
	if wc.Total > 0 {
		percentage = float64(wc.Downloaded) / float64(wc.Total) * float64(100)
	}
	wc.Percentage = int(percentage)

	elapsed := time.Now().UnixMilli() - wc.StartTime
	if elapsed > 0 {
		speed = (wc.Downloaded - wc.Seed) * 1000 / elapsed
	}

	out := wc.Out
	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "\r%d%% @ %s/s, %s/%s ", wc.Percentage,
		humanize.Bytes(uint64(speed)),
		humanize.Bytes(uint64(wc.Downloaded)), wc.TotalStr)
	return n, nil
}

// NavResp is the navigation endpoint payload. Only the WBI image fields are used.
type NavResp struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Data    *NavData `json:"data"`
}

// NavData holds the rotating image URLs
type NavData struct {
	WbiImg WbiImg `json:"wbi_img"`
}

// WbiImg carries the two key fragment URLs
type WbiImg struct {
	ImgURL string `json:"img_url"`
	SubURL string `json:"sub_url"`
}

// ViewResp is the video metadata payload
type ViewResp struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    *ViewData `json:"data"`
}

// ViewData holds the title and the ordered list of parts
type ViewData struct {
	Bvid  string     `json:"bvid"`
	Title string     `json:"title"`
	Pages []ViewPage `json:"pages"`
}

// ViewPage is one part of a multi-part video
type ViewPage struct {
	Cid  uint64 `json:"cid"`
	Page int    `json:"page"`
	Part string `json:"part"`
}

// PlayURLResp is the signed manifest payload
type PlayURLResp struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    *PlayURLData `json:"data"`
}

// PlayURLData wraps the DASH manifest
type PlayURLData struct {
	Quality       int   `json:"quality"`
	AcceptQuality []int `json:"accept_quality"`
	Dash          *Dash `json:"dash"`
}

// Dash is the manifest: available video and audio representations
type Dash struct {
	Video []DashVideo `json:"video"`
	Audio []DashAudio `json:"audio"`
}

// DashVideo is one video representation
type DashVideo struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BackupURL []string `json:"backupUrl"`
	Codecs    string   `json:"codecs"`
	Height    *int     `json:"height"`
	Width     int      `json:"width"`
	Bandwidth int64    `json:"bandwidth"`
	FrameRate string   `json:"frameRate"`
}

// DashAudio is one audio representation
type DashAudio struct {
	ID        int      `json:"id"`
	BaseURL   string   `json:"baseUrl"`
	BackupURL []string `json:"backupUrl"`
	Codecs    string   `json:"codecs"`
	Bandwidth int64    `json:"bandwidth"`
}

// HeightOrZero returns the pixel height, 0 when the manifest omits it
func (v *DashVideo) HeightOrZero() int {
	if v.Height == nil {
		return 0
	}
	return *v.Height
}

// QualityMap maps video qn ids to display names
var QualityMap = map[int]Quality{
	127: {ID: 127, Resolution: "4320p", Description: "8K"},
	126: {ID: 126, Resolution: "2160p", Description: "Dolby Vision"},
	125: {ID: 125, Resolution: "2160p", Description: "HDR"},
	120: {ID: 120, Resolution: "2160p", Description: "4K"},
	116: {ID: 116, Resolution: "1080p", Description: "1080P60"},
	112: {ID: 112, Resolution: "1080p", Description: "1080P+"},
	80:  {ID: 80, Resolution: "1080p", Description: "1080P"},
	74:  {ID: 74, Resolution: "720p", Description: "720P60"},
	64:  {ID: 64, Resolution: "720p", Description: "720P"},
	32:  {ID: 32, Resolution: "480p", Description: "480P"},
	16:  {ID: 16, Resolution: "360p", Description: "360P"},
}

// AudioQualityMap maps audio ids to display names
var AudioQualityMap = map[int]string{
	30216: "64K",
	30232: "132K",
	30280: "192K",
	30250: "Dolby Atmos",
	30251: "Hi-Res",
}

// DescribeQuality returns a display name for a video qn id
func DescribeQuality(id int) string {
	if q, ok := QualityMap[id]; ok {
		return q.Description
	}
	return strconv.Itoa(id)
}

var (
	bvidRegex      = regexp.MustCompile(`BV[0-9A-Za-z]{10}`)
	httpInputRegex = regexp.MustCompile(`^https?://`)
)

// ExtractBvid finds a BV id anywhere in the input
func ExtractBvid(input string) string {
	return bvidRegex.FindString(input)
}

// ExtractPageParam returns the ?p= query value of a URL, 0 when absent
func ExtractPageParam(input string) int {
	u, err := url.Parse(input)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(u.Query().Get("p"))
	if err != nil || p < 0 {
		return 0
	}
	return p
}

// IsURL reports whether the input looks like an http(s) URL
func IsURL(input string) bool {
	return httpInputRegex.MatchString(input)
}

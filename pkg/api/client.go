package api

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/grafov/m3u8"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"bilidl/pkg/cookies"
	"bilidl/pkg/logger"
	"bilidl/pkg/models"
	"bilidl/pkg/wbi"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	DefaultReferer   = "https://www.bilibili.com"
	DefaultAPIBase   = "https://api.bilibili.com"

	navPath     = "/x/web-interface/nav"
	viewPath    = "/x/web-interface/view"
	playURLPath = "/x/player/wbi/playurl"

	connectTimeout = 10 * time.Second
	// DefaultRequestTimeout bounds one metadata request including its body
	DefaultRequestTimeout = 30 * time.Second
)

// DefaultRetryDelays is the wait before each attempt of a JSON request
var DefaultRetryDelays = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond}

// Client is the retrying HTTP client for the metadata and manifest endpoints
type Client struct {
	http        *http.Client
	userAgent   string
	referer     string
	apiBase     string
	proxy       string
	timeout     time.Duration
	cookies     *cookies.Store
	retryDelays []time.Duration
	signerOpts  []wbi.Option
}

// Option configures a Client
type Option func(*Client)

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithReferer sets the Referer header
func WithReferer(referer string) Option {
	return func(c *Client) {
		if referer != "" {
			c.referer = referer
		}
	}
}

// WithProxy routes every request through an HTTP or SOCKS5 proxy URL
func WithProxy(proxy string) Option {
	return func(c *Client) {
		c.proxy = proxy
	}
}

// WithCookies attaches a credential store to every request
func WithCookies(store *cookies.Store) Option {
	return func(c *Client) {
		c.cookies = store
	}
}

// WithRetryDelays replaces the per-attempt delays; the slice length is the attempt budget
func WithRetryDelays(delays []time.Duration) Option {
	return func(c *Client) {
		if len(delays) > 0 {
			c.retryDelays = delays
		}
	}
}

// WithRequestTimeout replaces the overall timeout of a metadata request
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAPIBase points the endpoints at another host
func WithAPIBase(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.apiBase = base
		}
	}
}

// WithSignerOptions passes options to the per-request WBI signer
func WithSignerOptions(opts ...wbi.Option) Option {
	return func(c *Client) {
		c.signerOpts = append(c.signerOpts, opts...)
	}
}

// NewClient creates a new API client
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		userAgent:   DefaultUserAgent,
		referer:     DefaultReferer,
		apiBase:     DefaultAPIBase,
		retryDelays: DefaultRetryDelays,
		timeout:     DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		// HTTP/1.1 only
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	if c.proxy != "" {
		proxyURL, err := url.Parse(c.proxy)
		if err != nil || proxyURL.Scheme == "" || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", c.proxy)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c.http = &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}
	if c.cookies != nil {
		c.http.Jar = c.cookies.Jar()
	}
	return c, nil
}

// HTTPClient returns the client used for metadata requests
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// DownloadHTTPClient returns a client for stream transfers. It shares the
// transport (proxy, connect and TLS timeouts) and the cookie jar but has no
// overall timeout.
func (c *Client) DownloadHTTPClient() *http.Client {
	dl := *c.http
	dl.Timeout = 0
	return &dl
}

// UserAgent returns the User-Agent sent with every request
func (c *Client) UserAgent() string {
	return c.userAgent
}

// Referer returns the Referer sent with every request
func (c *Client) Referer() string {
	return c.referer
}

// APIBase returns the endpoint host
func (c *Client) APIBase() string {
	return c.apiBase
}

func (c *Client) newRequest(rawURL string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Referer", c.referer)

	// the explicit header only fills in when the jar has nothing for this host
	if c.cookies != nil && len(c.cookies.Jar().Cookies(req.URL)) == 0 {
		if h := c.cookies.Header(); h != "" {
			req.Header.Set("Cookie", h)
		}
	}
	return req, nil
}

// GetRaw performs a GET with the retry budget and returns the body of the
// first 2xx response. Every failure (transport error or non-2xx status) is
// retried the same way.
func (c *Client) GetRaw(rawURL string) ([]byte, error) {
	req, err := c.newRequest(rawURL)
	if err != nil {
		return nil, &models.ResolveError{Input: rawURL, Message: "invalid request url", Err: err}
	}

	var lastErr error
	lastStatus := 0
	for i, delay := range c.retryDelays {
		if delay > 0 {
			time.Sleep(delay)
		}

		body, status, err := c.doOnce(req)
		if err == nil {
			return body, nil
		}
		lastErr, lastStatus = err, status

		logger.GetLogger().WithFields(logrus.Fields{
			"url":     rawURL,
			"attempt": i + 1,
			"status":  status,
		}).WithError(err).Debug("Request failed")
	}

	return nil, &models.TransportError{
		URL:      rawURL,
		Status:   lastStatus,
		Attempts: len(c.retryDelays),
		Err:      lastErr,
	}
}

func (c *Client) doOnce(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req.Clone(req.Context()))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, resp.StatusCode, errors.New(resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// GetJSON fetches rawURL with retries and decodes the body into v.
// A body that does not decode is not retried.
func (c *Client) GetJSON(rawURL string, v interface{}) error {
	body, err := c.GetRaw(rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &models.DecodeError{URL: rawURL, Err: err}
	}
	return nil
}

// GetView retrieves the metadata of a video
func (c *Client) GetView(bvid string) (*models.ViewData, error) {
	u := c.apiBase + viewPath + "?" + url.Values{"bvid": {bvid}}.Encode()

	var obj models.ViewResp
	if err := c.GetJSON(u, &obj); err != nil {
		return nil, err
	}
	if obj.Data == nil {
		if obj.Code != 0 {
			return nil, &models.APIError{Endpoint: viewPath, Code: obj.Code, Message: obj.Message}
		}
		return nil, &models.ResolveError{Input: bvid, Message: "view data missing"}
	}
	return obj.Data, nil
}

// GetTitle retrieves the title of a video
func (c *Client) GetTitle(bvid string) (string, error) {
	view, err := c.GetView(bvid)
	if err != nil {
		return "", err
	}
	return view.Title, nil
}

// ResolveBvidAndCid turns a BV id, a video URL or a short link into the BV
// id and the cid of the requested part. page is 1-based; when it is 1 (the
// default) a ?p= in the input URL takes precedence.
func (c *Client) ResolveBvidAndCid(input string, page int) (string, uint64, error) {
	bvid := models.ExtractBvid(input)
	pageFromURL := models.ExtractPageParam(input)

	if bvid == "" && models.IsURL(input) {
		final, err := c.followRedirects(input)
		if err != nil {
			return "", 0, &models.ResolveError{Input: input, Message: "short link request failed", Err: err}
		}
		bvid = models.ExtractBvid(final)
	}
	if bvid == "" {
		return "", 0, &models.ResolveError{Input: input, Message: "BV id not found in input"}
	}

	if page <= 1 && pageFromURL > 0 {
		page = pageFromURL
	}

	view, err := c.GetView(bvid)
	if err != nil {
		return "", 0, err
	}

	idx := page - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(view.Pages) {
		return "", 0, &models.ResolveError{Input: input, Message: fmt.Sprintf("page %d not found", page)}
	}
	return bvid, view.Pages[idx].Cid, nil
}

func (c *Client) followRedirects(rawURL string) (string, error) {
	req, err := c.newRequest(rawURL)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.Request.URL.String(), nil
}

// GetPlayURL fetches a fresh WBI key and requests the signed DASH manifest.
// quality 0 leaves the choice to the server.
func (c *Client) GetPlayURL(bvid string, cid uint64, quality, fnval int) (*models.PlayURLResp, error) {
	signer, err := wbi.Fetch(c, c.apiBase+navPath, c.signerOpts...)
	if err != nil {
		return nil, err
	}

	params := []wbi.Param{
		{Key: "bvid", Value: bvid},
		{Key: "cid", Value: strconv.FormatUint(cid, 10)},
		{Key: "fnval", Value: strconv.Itoa(fnval)},
		{Key: "fourk", Value: "1"},
		{Key: "hires", Value: "1"},
	}
	if quality > 0 {
		params = append(params, wbi.Param{Key: "qn", Value: strconv.Itoa(quality)})
	}
	u := c.apiBase + playURLPath + "?" + signer.SignValues(params)

	body, err := c.GetRaw(u)
	if err != nil {
		return nil, err
	}
	if code := gjson.GetBytes(body, "code"); code.Int() != 0 {
		return nil, &models.APIError{
			Endpoint: playURLPath,
			Code:     int(code.Int()),
			Message:  gjson.GetBytes(body, "message").String(),
		}
	}

	var obj models.PlayURLResp
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &models.DecodeError{URL: u, Err: err}
	}
	return &obj, nil
}

// GetMediaPlaylist retrieves and parses a media playlist
func (c *Client) GetMediaPlaylist(rawURL string) (*m3u8.MediaPlaylist, error) {
	body, err := c.GetRaw(rawURL)
	if err != nil {
		return nil, err
	}

	playlist, _, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, &models.DecodeError{URL: rawURL, Err: err}
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, &models.DecodeError{URL: rawURL, Err: errors.New("not a media playlist")}
	}
	return media, nil
}

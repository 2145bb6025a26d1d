// Package wbi implements the WBI request signature required by the
// player endpoints. A mixin key is derived from two rotating key fragments
// published by the navigation endpoint, and every signed request carries a
// wts timestamp plus a w_rid digest over the sorted query and that key.
package wbi

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"bilidl/pkg/models"
)

// mixinTable is the fixed permutation applied to img_key+sub_key
var mixinTable = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 20, 34, 36, 44, 52,
}

const mixinKeyLen = 32

var (
	keyRegex      = regexp.MustCompile(`/([a-zA-Z0-9]+)\.(png|jpg)$`)
	sanitizeRegex = regexp.MustCompile(`[!'()*~]`)
)

// Param is a single query parameter. Order matters only for display;
// Sign sorts by key.
type Param struct {
	Key   string
	Value string
}

// RawGetter fetches a URL and returns the response body
type RawGetter interface {
	GetRaw(rawURL string) ([]byte, error)
}

// Signer holds a mixin key for the lifetime of one signing session
type Signer struct {
	mixinKey string
	now      func() time.Time
}

// Option configures a Signer
type Option func(*Signer)

// WithClock overrides the wall clock used for wts
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner builds a signer from an already derived mixin key
func NewSigner(mixinKey string, opts ...Option) *Signer {
	s := &Signer{mixinKey: mixinKey, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch reads the key fragments from the navigation endpoint and derives the mixin key
func Fetch(c RawGetter, navURL string, opts ...Option) (*Signer, error) {
	raw, err := c.GetRaw(navURL)
	if err != nil {
		return nil, err
	}

	img := gjson.GetBytes(raw, "data.wbi_img.img_url")
	sub := gjson.GetBytes(raw, "data.wbi_img.sub_url")
	if !img.Exists() || !sub.Exists() {
		return nil, &models.ResolveError{Input: navURL, Message: "nav data missing wbi_img"}
	}

	imgKey, err := ExtractKey(img.String())
	if err != nil {
		return nil, err
	}
	subKey, err := ExtractKey(sub.String())
	if err != nil {
		return nil, err
	}

	return NewSigner(MixinKey(imgKey+subKey), opts...), nil
}

// MixinKey returns the mixin key of the signer
func (s *Signer) MixinKey() string {
	return s.mixinKey
}

// Sign appends wts, strips reserved characters from values, sorts by key and
// returns the signed parameters, the timestamp and the w_rid digest.
func (s *Signer) Sign(params []Param) ([]Param, int64, string) {
	wts := s.now().Unix()

	signed := make([]Param, 0, len(params)+1)
	for _, p := range params {
		signed = append(signed, Param{Key: p.Key, Value: Sanitize(p.Value)})
	}
	signed = append(signed, Param{Key: "wts", Value: strconv.FormatInt(wts, 10)})

	sort.SliceStable(signed, func(i, j int) bool {
		return signed[i].Key < signed[j].Key
	})

	query := BuildQuery(signed)
	sum := md5.Sum([]byte(query + s.mixinKey))
	return signed, wts, hex.EncodeToString(sum[:])
}

// SignValues signs params and returns them ready for RawQuery, w_rid last
func (s *Signer) SignValues(params []Param) string {
	signed, _, wRid := s.Sign(params)
	return BuildQuery(signed) + "&w_rid=" + wRid
}

// BuildQuery joins params as k=v pairs with form encoding, keeping order
func BuildQuery(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, Encode(p.Key)+"="+Encode(p.Value))
	}
	return strings.Join(parts, "&")
}

// MixinKey permutes seed by the mixin table. Indices past the end of seed
// are skipped and the result is cut to 32 characters.
func MixinKey(seed string) string {
	chars := []rune(seed)
	var b strings.Builder
	n := 0
	for _, i := range mixinTable {
		if i >= len(chars) {
			continue
		}
		b.WriteRune(chars[i])
		n++
		if n == mixinKeyLen {
			break
		}
	}
	return b.String()
}

// Sanitize removes ! ' ( ) * ~ from a parameter value
func Sanitize(v string) string {
	return sanitizeRegex.ReplaceAllString(v, "")
}

// Encode percent-encodes s with form encoding (space becomes '+')
func Encode(s string) string {
	return url.QueryEscape(s)
}

// ExtractKey returns the alphanumeric filename stem of a key fragment URL
func ExtractKey(rawURL string) (string, error) {
	m := keyRegex.FindStringSubmatch(rawURL)
	if m == nil {
		return "", &models.ResolveError{Input: rawURL, Message: "failed to parse wbi key from url"}
	}
	return m[1], nil
}

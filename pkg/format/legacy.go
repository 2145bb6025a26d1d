package format

import (
	"strconv"
	"strings"

	"bilidl/pkg/models"
)

// DefaultCodec is preferred by the flag-driven selection when none is given
const DefaultCodec = "avc1"

// Picker chooses streams from a manifest. Both the grammar-driven Selection
// and the flag-driven LegacyOptions implement it.
type Picker interface {
	Pick(d *models.Dash) (*models.DashVideo, *models.DashAudio, bool)
}

// Pick implements Picker
func (s Selection) Pick(d *models.Dash) (*models.DashVideo, *models.DashAudio, bool) {
	return Select(d, s)
}

// LegacyOptions is the flag-driven selection: one preferred codec and an
// optional height cap applied to the whole manifest.
type LegacyOptions struct {
	WantVideo   bool
	WantAudio   bool
	PreferCodec string
	MaxHeight   *int
}

// ParseLegacy reads the loose whole-string form, e.g. "best av01 [height<=1080]".
// preferCodec comes from --prefer-codec and is overridden by a codec named in expr.
func ParseLegacy(expr, preferCodec string) LegacyOptions {
	opts := LegacyOptions{WantVideo: true, WantAudio: true, PreferCodec: preferCodec}
	if expr == "" {
		return opts
	}

	lower := strings.ToLower(expr)
	switch {
	case strings.Contains(lower, "bestvideo+bestaudio"), strings.Contains(lower, "bv*+ba"), lower == "bv+ba":
		opts.WantVideo, opts.WantAudio = true, true
	case strings.Contains(lower, "bestvideo"), strings.HasPrefix(lower, "bv"):
		opts.WantVideo, opts.WantAudio = true, false
	case strings.Contains(lower, "bestaudio"), strings.HasPrefix(lower, "ba"):
		opts.WantVideo, opts.WantAudio = false, true
	}

	if hint := codecHint(lower); hint != "" {
		opts.PreferCodec = hint
	}

	if pos := strings.Index(lower, "height<="); pos >= 0 {
		rest := strings.TrimLeft(lower[pos+len("height<="):], "[=<")
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if h, err := strconv.Atoi(rest[:end]); err == nil {
			opts.MaxHeight = &h
		}
	}
	return opts
}

// Pick implements Picker
func (o LegacyOptions) Pick(d *models.Dash) (*models.DashVideo, *models.DashAudio, bool) {
	return SelectLegacy(d, o)
}

// SelectLegacy picks the tallest video under the cap, preferring entries
// whose codec string contains the preferred codec, and the audio with the
// highest id. ok is false only when nothing at all was picked.
func SelectLegacy(d *models.Dash, o LegacyOptions) (*models.DashVideo, *models.DashAudio, bool) {
	if d == nil {
		return nil, nil, false
	}

	var v *models.DashVideo
	var a *models.DashAudio
	if o.WantVideo {
		pref := strings.ToLower(o.PreferCodec)
		if pref == "" {
			pref = DefaultCodec
		}
		v = PickVideo(d, Constraints{MaxHeight: o.MaxHeight, VCodecContains: pref})
		if v == nil {
			v = PickVideo(d, Constraints{MaxHeight: o.MaxHeight})
		}
	}
	if o.WantAudio {
		a = PickAudio(d, Constraints{})
	}
	return v, a, v != nil || a != nil
}

package format

import (
	"strings"

	"bilidl/pkg/models"
)

// Select tries each alternative in order and returns the picks of the first
// alternative whose requested sides are all satisfied.
func Select(d *models.Dash, sel Selection) (*models.DashVideo, *models.DashAudio, bool) {
	if d == nil {
		return nil, nil, false
	}
	for _, alt := range sel.Alternatives {
		var v *models.DashVideo
		var a *models.DashAudio
		if alt.WantVideo {
			v = PickVideo(d, alt.Video)
		}
		if alt.WantAudio {
			a = PickAudio(d, alt.Audio)
		}
		if (!alt.WantVideo || v != nil) && (!alt.WantAudio || a != nil) {
			return v, a, true
		}
	}
	return nil, nil, false
}

// PickVideo returns the highest (height, id) video passing c, or nil.
// Entries without a height are never excluded by height bounds. On a full
// tie the later entry wins.
func PickVideo(d *models.Dash, c Constraints) *models.DashVideo {
	var best *models.DashVideo
	for i := range d.Video {
		v := &d.Video[i]
		if !videoMatches(v, c) {
			continue
		}
		if best == nil || !videoLess(v, best) {
			best = v
		}
	}
	return best
}

// PickAudio returns the audio entry with the highest id passing c, or nil
func PickAudio(d *models.Dash, c Constraints) *models.DashAudio {
	var best *models.DashAudio
	for i := range d.Audio {
		a := &d.Audio[i]
		if c.ACodecEq != "" && a.Codecs != c.ACodecEq {
			continue
		}
		if best == nil || a.ID >= best.ID {
			best = a
		}
	}
	return best
}

func videoMatches(v *models.DashVideo, c Constraints) bool {
	if v.Height != nil {
		if c.MaxHeight != nil && *v.Height > *c.MaxHeight {
			return false
		}
		if c.MinHeight != nil && *v.Height < *c.MinHeight {
			return false
		}
	}
	if c.VCodecEq != "" && v.Codecs != c.VCodecEq {
		return false
	}
	if c.VCodecPrefix != "" && !strings.HasPrefix(strings.ToLower(v.Codecs), strings.ToLower(c.VCodecPrefix)) {
		return false
	}
	if c.VCodecContains != "" && !strings.Contains(strings.ToLower(v.Codecs), strings.ToLower(c.VCodecContains)) {
		return false
	}
	return true
}

// videoLess orders by height then id; a missing height sorts below any height
func videoLess(a, b *models.DashVideo) bool {
	ah, bh := heightKey(a), heightKey(b)
	if ah != bh {
		return ah < bh
	}
	return a.ID < b.ID
}

func heightKey(v *models.DashVideo) int {
	if v.Height == nil {
		return -1
	}
	return *v.Height
}

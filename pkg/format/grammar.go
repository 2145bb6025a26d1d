// Package format parses yt-dlp style format expressions and picks DASH
// representations from a manifest.
//
// Grammar:
//
//	expr        = alternative { "/" alternative }
//	alternative = token [ "+" token ]
//	token       = name { "[" constraint "]" }
//	constraint  = "height<=" N | "height>=" N | "vcodec=" S | "vcodec^=" S | "acodec=" S
//
// Names starting with bestvideo or bv request a video stream, bestaudio or
// ba an audio stream, best or b both. A bare codec name (avc1, hev1, h265,
// av01, av1) anywhere in a token becomes a video codec prefix constraint.
// Alternatives are tried left to right; the first one whose requested
// streams are all found wins.
package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var bracketRegex = regexp.MustCompile(`\[(.*?)\]`)

// codecHints are checked in order; a later hit overrides an earlier one
var codecHints = []struct{ match, prefix string }{
	{"avc1", "avc1"},
	{"hev1", "hev1"},
	{"h265", "hev1"},
	{"av01", "av01"},
	{"av1", "av1"},
}

// Constraints restrict the candidates for one side of an alternative
type Constraints struct {
	MaxHeight    *int
	MinHeight    *int
	VCodecEq     string
	VCodecPrefix string
	ACodecEq     string

	// VCodecContains is a case-insensitive substring match, used by the flag-driven path
	VCodecContains string
}

// Alternative is one "/"-separated branch of an expression
type Alternative struct {
	WantVideo bool
	WantAudio bool
	Video     Constraints
	Audio     Constraints
}

// Selection is a parsed expression
type Selection struct {
	Expr         string
	Alternatives []Alternative
}

// Parse turns an expression into its ordered alternatives. Parsing never
// fails; unknown names request both streams without constraints.
func Parse(expr string) Selection {
	sel := Selection{Expr: expr}
	for _, alt := range strings.Split(expr, "/") {
		sel.Alternatives = append(sel.Alternatives, parseAlternative(alt))
	}
	return sel
}

func parseAlternative(alt string) Alternative {
	parts := strings.Split(alt, "+")
	var a Alternative

	switch len(parts) {
	case 1:
		tok := parts[0]
		switch {
		case isBestToken(tok):
			a.WantVideo, a.WantAudio = true, true
		case isVideoToken(tok):
			a.WantVideo = true
		case isAudioToken(tok):
			a.WantAudio = true
		default:
			a.WantVideo, a.WantAudio = true, true
		}
	case 2:
		a.WantVideo = isVideoToken(parts[0])
		a.WantAudio = isAudioToken(parts[1])
	default:
		a.WantVideo, a.WantAudio = true, true
	}

	switch {
	case len(parts) > 1:
		a.Video = parseConstraints(parts[0])
		a.Audio = parseConstraints(parts[1])
	case a.WantAudio && !a.WantVideo:
		// a lone audio token carries its own constraints
		a.Audio = parseConstraints(parts[0])
	default:
		a.Video = parseConstraints(parts[0])
	}
	return a
}

func parseConstraints(tok string) Constraints {
	var c Constraints
	for _, m := range bracketRegex.FindAllStringSubmatch(tok, -1) {
		expr := m[1]
		switch {
		case strings.HasPrefix(expr, "height<="):
			if h, err := strconv.Atoi(strings.TrimPrefix(expr, "height<=")); err == nil {
				c.MaxHeight = &h
			}
		case strings.HasPrefix(expr, "height>="):
			if h, err := strconv.Atoi(strings.TrimPrefix(expr, "height>=")); err == nil {
				c.MinHeight = &h
			}
		case strings.HasPrefix(expr, "vcodec^="):
			c.VCodecPrefix = strings.TrimPrefix(expr, "vcodec^=")
		case strings.HasPrefix(expr, "vcodec="):
			c.VCodecEq = strings.TrimPrefix(expr, "vcodec=")
		case strings.HasPrefix(expr, "acodec="):
			c.ACodecEq = strings.TrimPrefix(expr, "acodec=")
		}
	}

	if hint := codecHint(tok); hint != "" {
		c.VCodecPrefix = hint
	}
	return c
}

func codecHint(tok string) string {
	lower := strings.ToLower(tok)
	hint := ""
	for _, h := range codecHints {
		if strings.Contains(lower, h.match) {
			hint = h.prefix
		}
	}
	return hint
}

func isBestToken(s string) bool {
	l := strings.ToLower(s)
	return l == "best" || l == "b"
}

func isVideoToken(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "bestvideo") || strings.HasPrefix(l, "bv")
}

func isAudioToken(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "bestaudio") || strings.HasPrefix(l, "ba")
}

func (c Constraints) String() string {
	var parts []string
	if c.MaxHeight != nil {
		parts = append(parts, fmt.Sprintf("height<=%d", *c.MaxHeight))
	}
	if c.MinHeight != nil {
		parts = append(parts, fmt.Sprintf("height>=%d", *c.MinHeight))
	}
	if c.VCodecEq != "" {
		parts = append(parts, "vcodec="+c.VCodecEq)
	}
	if c.VCodecPrefix != "" {
		parts = append(parts, "vcodec^="+c.VCodecPrefix)
	}
	if c.ACodecEq != "" {
		parts = append(parts, "acodec="+c.ACodecEq)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s Selection) String() string {
	alts := make([]string, 0, len(s.Alternatives))
	for _, a := range s.Alternatives {
		var sides []string
		if a.WantVideo {
			sides = append(sides, "video"+a.Video.String())
		}
		if a.WantAudio {
			sides = append(sides, "audio"+a.Audio.String())
		}
		alts = append(alts, strings.Join(sides, "+"))
	}
	return strings.Join(alts, " / ")
}

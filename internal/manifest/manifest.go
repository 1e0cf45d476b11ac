// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package manifest models HLS media playlists well enough to select a
// duration-bounded prefix of segments and to rewrite the playlist so that it
// only references segments that are present locally. Every line other than a
// segment reference is carried through verbatim.
package manifest

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

const markerPrefix = "#EXTINF:"

// Kind classifies a manifest line.
type Kind int

const (
	// Directive is any line that is not part of a segment reference. It is
	// reproduced byte for byte.
	Directive Kind = iota
	// SegmentRef is a duration marker together with its filename line.
	SegmentRef
)

// Segment is one media segment of the playlist.
type Segment struct {
	Duration float64 // seconds
	Filename string
}

// Line is one logical manifest entry. For directives Raw holds the line with
// its terminator. For segment references Raw holds the marker line plus any
// tag lines before the filename, and URI holds the filename line.
type Line struct {
	Kind    Kind
	Raw     string
	URI     string
	Segment Segment
}

// Manifest is an ordered sequence of lines.
type Manifest struct {
	Lines []Line
	// Dropped counts duration markers that were discarded because the
	// duration did not parse or no filename line followed. A dropped
	// marker's filename line is discarded with it.
	Dropped int
}

// Parse reads playlist text. It never fails: malformed duration markers are
// dropped and counted, and everything else is kept.
//
// A marker owns the tag lines between it and the next non-comment line,
// which is its filename. When the marker's duration does not parse, the
// whole group including the filename is dropped so no unreferenced URI is
// left behind. A marker with no filename before the next marker or the end
// is dropped on its own.
func Parse(text string) *Manifest {
	raw := splitLines(text)
	m := &Manifest{Lines: make([]Line, 0, len(raw))}
	for i := 0; i < len(raw); i++ {
		trimmed := strings.TrimSpace(raw[i])
		if !strings.HasPrefix(trimmed, markerPrefix) {
			m.Lines = append(m.Lines, Line{Kind: Directive, Raw: raw[i]})
			continue
		}
		dur, ok := parseDuration(trimmed[len(markerPrefix):])
		uri := findURI(raw, i+1)
		if uri < 0 {
			m.Dropped++
			continue
		}
		if !ok {
			m.Dropped++
			i = uri
			continue
		}
		m.Lines = append(m.Lines, Line{
			Kind:    SegmentRef,
			Raw:     strings.Join(raw[i:uri], ""),
			URI:     raw[uri],
			Segment: Segment{Duration: dur, Filename: strings.TrimSpace(raw[uri])},
		})
		i = uri
	}
	return m
}

// findURI returns the index of the first filename line at or after from, or
// -1 when another marker or the end comes first.
func findURI(raw []string, from int) int {
	for j := from; j < len(raw); j++ {
		t := strings.TrimSpace(raw[j])
		switch {
		case strings.HasPrefix(t, markerPrefix):
			return -1
		case t == "" || strings.HasPrefix(t, "#"):
			continue
		default:
			return j
		}
	}
	return -1
}

// Load reads and parses the playlist at path.
func Load(path string) (*Manifest, error) {
	// #nosec G304 -- path is a file this process downloaded into its cache
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(b)), nil
}

// parseDuration parses the text after "#EXTINF:" up to the first comma.
func parseDuration(s string) (float64, bool) {
	if i := strings.IndexByte(s, ','); i >= 0 {
		s = s[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, false
	}
	return d, true
}

// splitLines splits text after every '\n', keeping terminators. A final
// fragment without a terminator is kept as is.
func splitLines(text string) []string {
	var out []string
	for len(text) > 0 {
		i := strings.IndexByte(text, '\n')
		if i < 0 {
			out = append(out, text)
			break
		}
		out = append(out, text[:i+1])
		text = text[i+1:]
	}
	return out
}

// Segments returns the segment references in playlist order.
func (m *Manifest) Segments() []Segment {
	segs := make([]Segment, 0, len(m.Lines))
	for _, l := range m.Lines {
		if l.Kind == SegmentRef {
			segs = append(segs, l.Segment)
		}
	}
	return segs
}

// String serializes the manifest, reproducing every kept line exactly.
func (m *Manifest) String() string {
	var b strings.Builder
	_, _ = m.WriteTo(&b)
	return b.String()
}

// WriteTo implements io.WriterTo.
func (m *Manifest) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, l := range m.Lines {
		n, err := io.WriteString(w, l.Raw)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if l.Kind != SegmentRef {
			continue
		}
		n, err = io.WriteString(w, l.URI)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// SelectPrefix returns the longest leading run of segments whose cumulative
// duration does not exceed ceiling. The first segment that would exceed it
// ends the selection, even if later ones are shorter. A ceiling <= 0 selects
// every segment.
func SelectPrefix(m *Manifest, ceiling float64) []Segment {
	segs := m.Segments()
	if ceiling <= 0 {
		return segs
	}
	total := 0.0
	for i, s := range segs {
		total += s.Duration
		if total > ceiling {
			return segs[:i]
		}
	}
	return segs
}

// RestrictTo returns a copy of m keeping every directive and only the
// segments whose filename is in retained, in their original order.
func RestrictTo(m *Manifest, retained map[string]struct{}) *Manifest {
	out := &Manifest{Lines: make([]Line, 0, len(m.Lines)), Dropped: m.Dropped}
	for _, l := range m.Lines {
		if l.Kind == SegmentRef {
			if _, ok := retained[l.Segment.Filename]; !ok {
				continue
			}
		}
		out.Lines = append(out.Lines, l)
	}
	return out
}

// Filenames returns the filenames of segs in order.
func Filenames(segs []Segment) []string {
	names := make([]string, len(segs))
	for i, s := range segs {
		names[i] = s.Filename
	}
	return names
}

// TotalDuration sums the durations of segs.
func TotalDuration(segs []Segment) float64 {
	var total float64
	for _, s := range segs {
		total += s.Duration
	}
	return total
}

// NameSet builds a retained set from filenames.
func NameSet(names ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

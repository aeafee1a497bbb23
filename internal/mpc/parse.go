package mpc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/ampelproject/decentfilter/internal/skycoord"
)

const (
	unixEpochJD = 2440587.5
	mjdOffset   = 2400000.5

	// mpcheck prints a three line header above the match table.
	headerLines = 3
	// Fixed-width columns of a match row.
	raDecStart, raDecEnd = 25, 46
	magStart, magEnd     = 47, 51
	minRowLength         = 10
)

// match is one body listed by mpcheck.
type match struct {
	RADeg  float64
	DecDeg float64
	Mag    float64
}

func (m match) separationDeg(raDeg, decDeg float64) float64 {
	return skycoord.RadToDeg(skycoord.Separation(
		skycoord.DegToRad(raDeg), skycoord.DegToRad(decDeg),
		skycoord.DegToRad(m.RADeg), skycoord.DegToRad(m.DecDeg)))
}

// parseResponse extracts the matches from the last <pre> block of an
// mpcheck page. A page without one has no matches.
func parseResponse(page string) ([]match, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse mpcheck page: %w", err)
	}

	blocks := findElements(doc, "pre")
	if len(blocks) == 0 {
		return nil, nil
	}
	lines := strings.Split(strings.TrimLeft(textContent(blocks[len(blocks)-1]), " "), "\n")
	if len(lines) <= headerLines {
		return nil, nil
	}

	var matches []match
	for i, line := range lines[headerLines:] {
		if len(line) <= minRowLength {
			continue
		}
		m, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("mpcheck row %d: %w", i+1, err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func parseRow(line string) (match, error) {
	if len(line) < magEnd {
		return match{}, fmt.Errorf("row too short: %q", line)
	}
	fields := strings.Fields(line[raDecStart:raDecEnd])
	if len(fields) != 6 {
		return match{}, fmt.Errorf("want 6 position fields, got %q", line[raDecStart:raDecEnd])
	}
	raHours, err := parseSexagesimal(fields[:3])
	if err != nil {
		return match{}, fmt.Errorf("ra: %w", err)
	}
	dec, err := parseSexagesimal(fields[3:])
	if err != nil {
		return match{}, fmt.Errorf("dec: %w", err)
	}
	mag, err := strconv.ParseFloat(strings.TrimSpace(line[magStart:magEnd]), 64)
	if err != nil {
		return match{}, fmt.Errorf("magnitude: %w", err)
	}
	return match{RADeg: raHours * 15, DecDeg: dec, Mag: mag}, nil
}

// parseSexagesimal reads "d m s". The sign of the first field applies to
// the whole value, including "-00".
func parseSexagesimal(parts []string) (float64, error) {
	var v [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0, err
		}
		v[i] = math.Abs(f)
	}
	out := v[0] + v[1]/60 + v[2]/3600
	if strings.HasPrefix(parts[0], "-") {
		out = -out
	}
	return out, nil
}

// formatHours renders right ascension hours as "HH MM SS.SS".
func formatHours(hours float64) string {
	hours = math.Mod(hours, 24)
	if hours < 0 {
		hours += 24
	}
	n := int64(math.Round(hours * 3600 * 100))
	n %= 24 * 3600 * 100
	h, rest := n/360000, n%360000
	return fmt.Sprintf("%02d %02d %05.2f", h, rest/6000, float64(rest%6000)/100)
}

// formatDegrees renders a declination as "[-]DD MM SS.S".
func formatDegrees(deg float64) string {
	sign := ""
	if deg < 0 {
		sign = "-"
		deg = -deg
	}
	n := int64(math.Round(deg * 3600 * 10))
	d, rest := n/36000, n%36000
	return fmt.Sprintf("%s%02d %02d %04.1f", sign, d, rest/600, float64(rest%600)/10)
}

func jdToTime(jd float64) time.Time {
	ns := (jd - unixEpochJD) * float64(24*time.Hour)
	return time.Unix(0, int64(math.Round(ns))).UTC()
}

func findElements(doc *html.Node, tag string) []*html.Node {
	var nodes []*html.Node

	var traverse func(*html.Node)
	traverse = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			nodes = append(nodes, node)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			traverse(child)
		}
	}

	traverse(doc)
	return nodes
}

// textContent concatenates the text below n, dropping markup such as the
// links mpcheck puts around designations.
func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return b.String()
}

package scenario

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("566us",
// "1s") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// DataRate is a bit rate in bits per second. YAML accepts a bare number or
// a number with a b/s, kb/s, Mb/s or Gb/s suffix ("bps", "kbps" and so on
// also work).
type DataRate float64

func (r DataRate) BitsPerSecond() float64 { return float64(r) }

func (r *DataRate) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: data rate: %w", node.Line, err)
	}
	parsed, err := ParseDataRate(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = parsed
	return nil
}

var rateUnits = []struct {
	suffix string
	scale  float64
}{
	{"gb/s", 1e9}, {"gbps", 1e9},
	{"mb/s", 1e6}, {"mbps", 1e6},
	{"kb/s", 1e3}, {"kbps", 1e3},
	{"b/s", 1}, {"bps", 1},
}

// ParseDataRate parses strings such as "40kb/s" or "6Mbps".
func ParseDataRate(s string) (DataRate, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	scale := 1.0
	for _, u := range rateUnits {
		if strings.HasSuffix(text, u.suffix) {
			text = strings.TrimSpace(strings.TrimSuffix(text, u.suffix))
			scale = u.scale
			break
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid data rate %q", s)
	}
	return DataRate(v * scale), nil
}

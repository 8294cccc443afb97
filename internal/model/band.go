package model

import "fmt"

// Band is an ordered severity tier for context consumption against the
// session ceiling. Within a session the band only ever increases.
type Band int

const (
	BandFresh Band = iota
	BandHealthy
	BandModerate
	BandWarning
	BandDanger
	BandCritical
)

var bandNames = [...]string{"fresh", "healthy", "moderate", "warning", "danger", "critical"}

func (b Band) String() string {
	if b < BandFresh || b > BandCritical {
		return "unknown"
	}
	return bandNames[b]
}

// MarshalText lets bands serialize by name in JSON payloads.
func (b Band) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// ParseBand resolves a band name back to its tier.
func ParseBand(s string) (Band, bool) {
	for i, name := range bandNames {
		if name == s {
			return Band(i), true
		}
	}
	return BandFresh, false
}

func (b *Band) UnmarshalText(text []byte) error {
	parsed, ok := ParseBand(string(text))
	if !ok {
		return fmt.Errorf("unknown band %q", text)
	}
	*b = parsed
	return nil
}

// BandFor maps a fraction of the ceiling to its band. Lower bounds are
// inclusive; anything at or past 95% is critical.
func BandFor(fraction float64) Band {
	switch {
	case fraction < 0.10:
		return BandFresh
	case fraction < 0.50:
		return BandHealthy
	case fraction < 0.80:
		return BandModerate
	case fraction < 0.90:
		return BandWarning
	case fraction < 0.95:
		return BandDanger
	default:
		return BandCritical
	}
}

// Category is the coarse attribution bucket for consumed context.
type Category int

const (
	CategorySystem Category = iota
	CategoryFileReads
	CategoryToolOutput
	CategoryGenerated
	CategoryConversation
)

var categoryNames = [...]string{
	"system-overhead",
	"file-reads",
	"tool-output",
	"generated-content",
	"conversation",
}

func (c Category) String() string {
	if c < CategorySystem || c > CategoryConversation {
		return "unknown"
	}
	return categoryNames[c]
}

// MarshalText lets categories serve as JSON object keys.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// ParseCategory resolves a category name, as used by the compaction API.
func ParseCategory(s string) (Category, bool) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), true
		}
	}
	return CategorySystem, false
}

func (c *Category) UnmarshalText(text []byte) error {
	parsed, ok := ParseCategory(string(text))
	if !ok {
		return fmt.Errorf("unknown category %q", text)
	}
	*c = parsed
	return nil
}

// Categories lists all buckets in declaration order.
func Categories() []Category {
	return []Category{
		CategorySystem,
		CategoryFileReads,
		CategoryToolOutput,
		CategoryGenerated,
		CategoryConversation,
	}
}

// ContextSnapshot is the tracker's view of one live session. Recomputed on
// every event and discarded when the session ends.
type ContextSnapshot struct {
	SessionID        string             `json:"session_id"`
	CumulativeTokens int64              `json:"cumulative_tokens"`
	CeilingTokens    int64              `json:"ceiling_tokens"`
	Fraction         float64            `json:"fraction"`
	Band             Band               `json:"band"`
	Reducible        map[Category]int64 `json:"reducible,omitempty"`
}

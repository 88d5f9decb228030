package geocode

import (
	"context"
	"errors"
	"strings"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
	"github.com/clintjeff2/seamless-deliveries/internal/observability"
)

// ErrNoResult is returned once every rung of the fallback ladder, including
// the static city table, has been exhausted.
var ErrNoResult = errors.New("geocode: no result")

// Candidate is one raw provider result before scoring.
type Candidate struct {
	Address      string
	Location     models.Coord
	LocationType string // rooftop, range_interpolated, geometric_center, approximate
	PartialMatch bool
}

// Provider is the forward/reverse geocoding surface of the mapping vendor.
type Provider interface {
	Geocode(ctx context.Context, query string) ([]Candidate, error)
	ReverseGeocode(ctx context.Context, c models.Coord) (string, error)
}

// Result is the resolved location with a derived confidence in [0,1].
type Result struct {
	Address    string       `json:"address"`
	Location   models.Coord `json:"location"`
	Confidence float64      `json:"confidence"`
	Source     string       `json:"source"` // primary, broadened, city_table
}

// Geocoder resolves free-text addresses through a fallback ladder: the raw
// query first, then progressively broadened variants, then a static table of
// known cities. Address quality in the region is poor enough that the
// broadening rungs do real work.
type Geocoder struct {
	provider Provider
	region   string
	country  string
}

func New(provider Provider, region, country string) *Geocoder {
	return &Geocoder{provider: provider, region: region, country: country}
}

func (g *Geocoder) Geocode(ctx context.Context, query string) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, ErrNoResult
	}

	for depth, q := range g.ladder(query) {
		cands, err := g.provider.Geocode(ctx, q)
		if err != nil || len(cands) == 0 {
			continue
		}
		best, score := pickBest(query, cands)
		observability.GeocodeFallbackDepth.Observe(float64(depth))
		source := "primary"
		if depth > 0 {
			source = "broadened"
		}
		return Result{Address: best.Address, Location: best.Location, Confidence: score, Source: source}, nil
	}

	if coord, name, ok := cityFallback(query); ok {
		observability.GeocodeFallbackDepth.Observe(float64(cityTableDepth))
		return Result{Address: name, Location: coord, Confidence: cityTableConfidence, Source: "city_table"}, nil
	}

	return Result{}, ErrNoResult
}

// ReverseGeocode returns the formatted address for a coordinate.
func (g *Geocoder) ReverseGeocode(ctx context.Context, c models.Coord) (string, error) {
	return g.provider.ReverseGeocode(ctx, c)
}

// ladder builds the query variants, most specific first.
func (g *Geocoder) ladder(query string) []string {
	out := []string{query}
	lower := strings.ToLower(query)
	// Add the nearest known city as a locality hint unless already present.
	if _, name, ok := cityFallback(query); ok && !strings.Contains(lower, strings.ToLower(name)) {
		out = append(out, query+", "+name)
	}
	if g.region != "" && !strings.Contains(lower, strings.ToLower(g.region)) {
		out = append(out, query+", "+g.region)
	}
	if g.country != "" && !strings.Contains(lower, strings.ToLower(g.country)) {
		out = append(out, query+", "+g.country)
	}
	return out
}

const (
	cityTableDepth      = 4
	cityTableConfidence = 0.3
)

// pickBest scores each candidate by token overlap with the query, result-type
// specificity, and a partial-match penalty, and returns the winner.
func pickBest(query string, cands []Candidate) (Candidate, float64) {
	best := cands[0]
	bestScore := -1.0
	for _, c := range cands {
		s := score(query, c)
		if s > bestScore {
			best, bestScore = c, s
		}
	}
	return best, bestScore
}

func score(query string, c Candidate) float64 {
	s := 0.5*tokenOverlap(query, c.Address) + 0.5*typeSpecificity(c.LocationType)
	if c.PartialMatch {
		s *= 0.8
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

func tokenOverlap(query, address string) float64 {
	qTokens := tokenize(query)
	if len(qTokens) == 0 {
		return 0
	}
	aTokens := make(map[string]bool)
	for _, t := range tokenize(address) {
		aTokens[t] = true
	}
	matched := 0
	for _, t := range qTokens {
		if aTokens[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(qTokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 { // drop single-letter noise
			out = append(out, f)
		}
	}
	return out
}

func typeSpecificity(locationType string) float64 {
	switch strings.ToUpper(locationType) {
	case "ROOFTOP":
		return 1.0
	case "RANGE_INTERPOLATED":
		return 0.8
	case "GEOMETRIC_CENTER":
		return 0.6
	case "APPROXIMATE":
		return 0.4
	default:
		return 0.5
	}
}

package geocode

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// GoogleGeocoder adapts the Google Geocoding API to the Provider interface.
type GoogleGeocoder struct {
	client *maps.Client
}

func NewGoogleGeocoder(apiKey string) (*GoogleGeocoder, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleGeocoder{client: client}, nil
}

func NewGoogleGeocoderFromClient(client *maps.Client) *GoogleGeocoder {
	return &GoogleGeocoder{client: client}
}

func (g *GoogleGeocoder) Geocode(ctx context.Context, query string) ([]Candidate, error) {
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{Address: query})
	if err != nil {
		return nil, fmt.Errorf("geocoding api error: %w", err)
	}
	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		out = append(out, Candidate{
			Address:      r.FormattedAddress,
			Location:     models.Coord{Lat: r.Geometry.Location.Lat, Lon: r.Geometry.Location.Lng},
			LocationType: r.Geometry.LocationType,
			PartialMatch: r.PartialMatch,
		})
	}
	return out, nil
}

func (g *GoogleGeocoder) ReverseGeocode(ctx context.Context, c models.Coord) (string, error) {
	results, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: c.Lat, Lng: c.Lon},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return "", ErrNoResult
	}
	return results[0].FormattedAddress, nil
}

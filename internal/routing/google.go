package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// GoogleRouter fetches driving directions with traffic from the Google
// Directions API.
type GoogleRouter struct {
	client *maps.Client
}

func NewGoogleRouter(apiKey string) (*GoogleRouter, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleRouter{client: client}, nil
}

// NewGoogleRouterFromClient shares a maps client already built elsewhere
// (the geocoder uses the same one).
func NewGoogleRouterFromClient(client *maps.Client) *GoogleRouter {
	return &GoogleRouter{client: client}
}

func (g *GoogleRouter) Route(ctx context.Context, origin, destination models.Coord) (*RouteSnapshot, error) {
	r := &maps.DirectionsRequest{
		Origin:        latLngParam(origin),
		Destination:   latLngParam(destination),
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return nil, fmt.Errorf("%w: no route found", ErrProviderUnavailable)
	}

	route := routes[0]
	leg := route.Legs[0]

	snap := &RouteSnapshot{
		Origin:                   origin,
		Destination:              destination,
		DistanceMeters:           float64(leg.Distance.Meters),
		DurationSeconds:          leg.Duration.Seconds(),
		DurationInTrafficSeconds: leg.DurationInTraffic.Seconds(),
		Geometry:                 route.OverviewPolyline.Points,
	}
	// The API omits duration_in_traffic for some regions; nominal duration is
	// the honest substitute.
	if snap.DurationInTrafficSeconds == 0 {
		snap.DurationInTrafficSeconds = snap.DurationSeconds
	}

	snap.Steps = make([]Step, 0, len(leg.Steps))
	for _, st := range leg.Steps {
		snap.Steps = append(snap.Steps, Step{
			Instruction:     st.HTMLInstructions,
			DistanceMeters:  float64(st.Distance.Meters),
			DurationSeconds: st.Duration.Seconds(),
			Start:           models.Coord{Lat: st.StartLocation.Lat, Lon: st.StartLocation.Lng},
			End:             models.Coord{Lat: st.EndLocation.Lat, Lon: st.EndLocation.Lng},
		})
	}
	return snap, nil
}

func latLngParam(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

package geocode

import (
	"strings"

	"github.com/clintjeff2/seamless-deliveries/internal/models"
)

// knownCities is the last rung of the ladder: approximate centers for the
// cities the service operates in. A recognizable city name in an otherwise
// unresolvable address beats failing outright.
var knownCities = []struct {
	Name  string
	Coord models.Coord
}{
	{"Buea", models.Coord{Lat: 4.1556, Lon: 9.2385}},
	{"Douala", models.Coord{Lat: 4.0511, Lon: 9.7679}},
	{"Yaounde", models.Coord{Lat: 3.8480, Lon: 11.5021}},
	{"Limbe", models.Coord{Lat: 4.0226, Lon: 9.1997}},
	{"Bamenda", models.Coord{Lat: 5.9631, Lon: 10.1591}},
	{"Kumba", models.Coord{Lat: 4.6363, Lon: 9.4469}},
	{"Bafoussam", models.Coord{Lat: 5.4781, Lon: 10.4179}},
	{"Kribi", models.Coord{Lat: 2.9373, Lon: 9.9103}},
	{"Garoua", models.Coord{Lat: 9.3265, Lon: 13.3978}},
	{"Maroua", models.Coord{Lat: 10.5910, Lon: 14.3159}},
}

// cityFallback scans the query for a known city name.
func cityFallback(query string) (models.Coord, string, bool) {
	lower := strings.ToLower(query)
	for _, c := range knownCities {
		if strings.Contains(lower, strings.ToLower(c.Name)) {
			return c.Coord, c.Name, true
		}
	}
	return models.Coord{}, "", false
}

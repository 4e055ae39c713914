package normalize

import (
	"encoding/json"
	"strings"
	"time"

	"cstracker/internal/pointer"
)

// Observation is one normalized biodiversity sighting.
type Observation struct {
	Source         pointer.Source
	RowKey         RowKey
	TaxonID        *int64
	ScientificName *string
	CommonName     *string
	Latitude       *float64
	Longitude      *float64
	ObservedAt     *time.Time
	PlaceCity      *string
	PlaceCountry   *string
	QualityGrade   *string
}

func (o Observation) Table() Table { return TableObservations }

func (o Observation) Key() RowKey { return o.RowKey }

func (o Observation) Values() []any {
	return []any{
		string(o.Source), o.RowKey.S3Key, o.RowKey.RowIndex,
		o.TaxonID, o.ScientificName, o.CommonName,
		o.Latitude, o.Longitude, o.ObservedAt,
		o.PlaceCity, o.PlaceCountry, o.QualityGrade,
	}
}

type observationStrategy struct {
	source pointer.Source
}

func (s observationStrategy) Table() Table { return TableObservations }

func (s observationStrategy) Row(key RowKey, rec Record) Row {
	commonName := rec.String("taxon", "preferred_common_name")
	if commonName == nil {
		commonName = rec.String("species_guess")
	}
	lat, lon := geoJSONPoint(rec.Raw("geojson", "coordinates"))
	if lat == nil {
		lat, lon = locationString(rec.String("location"))
	}
	city, country := splitPlaceGuess(rec.String("place_guess"))

	return Observation{
		Source:         s.source,
		RowKey:         key,
		TaxonID:        rec.Int("taxon", "id"),
		ScientificName: rec.String("taxon", "name"),
		CommonName:     commonName,
		Latitude:       lat,
		Longitude:      lon,
		ObservedAt:     rec.Time([]string{"time_observed_at"}, []string{"observed_on"}, []string{"created_at"}),
		PlaceCity:      city,
		PlaceCountry:   country,
		QualityGrade:   rec.String("quality_grade"),
	}
}

// geoJSONPoint reads a GeoJSON position, which is ordered [lon, lat].
func geoJSONPoint(raw json.RawMessage) (*float64, *float64) {
	if raw == nil {
		return nil, nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) < 2 {
		return nil, nil
	}
	return latLonPair(parseFloat(pair[1]), parseFloat(pair[0]))
}

// locationString parses a "lat,lon" free-text location.
func locationString(s *string) (*float64, *float64) {
	if s == nil {
		return nil, nil
	}
	parts := strings.Split(*s, ",")
	if len(parts) != 2 {
		return nil, nil
	}
	return latLonPair(floatFromText(parts[0]), floatFromText(parts[1]))
}

// splitPlaceGuess takes the first comma-separated part as the city and the
// last as the country when there are at least two parts.
func splitPlaceGuess(s *string) (*string, *string) {
	if s == nil {
		return nil, nil
	}
	raw := strings.Split(*s, ",")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return &parts[0], nil
	default:
		return &parts[0], &parts[len(parts)-1]
	}
}

package normalize

import (
	"time"

	"cstracker/internal/pointer"
)

// Measurement is one normalized air-quality reading.
type Measurement struct {
	Source    pointer.Source
	RowKey    RowKey
	Location  *string
	City      *string
	Country   *string
	Parameter *string
	Value     *float64
	Unit      *string
	Latitude  *float64
	Longitude *float64
	TimeUTC   *time.Time
}

func (m Measurement) Table() Table { return TableMeasurements }

func (m Measurement) Key() RowKey { return m.RowKey }

func (m Measurement) Values() []any {
	return []any{
		string(m.Source), m.RowKey.S3Key, m.RowKey.RowIndex,
		m.Location, m.City, m.Country, m.Parameter, m.Value, m.Unit,
		m.Latitude, m.Longitude, m.TimeUTC,
	}
}

type measurementStrategy struct {
	source pointer.Source
}

func (s measurementStrategy) Table() Table { return TableMeasurements }

// Row reads flat fields, coordinates.latitude/longitude and date.utc.
func (s measurementStrategy) Row(key RowKey, rec Record) Row {
	lat, lon := latLonPair(rec.Float("coordinates", "latitude"), rec.Float("coordinates", "longitude"))
	return Measurement{
		Source:    s.source,
		RowKey:    key,
		Location:  rec.String("location"),
		City:      rec.String("city"),
		Country:   rec.String("country"),
		Parameter: rec.String("parameter"),
		Value:     rec.Float("value"),
		Unit:      rec.String("unit"),
		Latitude:  lat,
		Longitude: lon,
		TimeUTC:   rec.Time([]string{"date", "utc"}),
	}
}

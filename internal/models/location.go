package models

import "time"

// LocationSample is one accepted position fix, tagged with the shipment it
// belongs to. Samples are forwarded immediately and never stored by the
// publisher or subscriber.
type LocationSample struct {
	ShipmentID     ShipmentID
	Latitude       float64
	Longitude      float64
	Timestamp      time.Time
	PublisherLabel string
}

type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (s LocationSample) Position() Position {
	return Position{Lat: s.Latitude, Lng: s.Longitude}
}

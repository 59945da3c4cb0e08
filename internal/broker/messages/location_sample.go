package messages

import (
	"time"

	"github.com/BearBump/LiveTrack/internal/models"
	"github.com/pkg/errors"
)

var ErrInvalidSample = errors.New("invalid location sample")

// LocationSample — payload события locationUpdate (и сообщения в топике location.sampled).
type LocationSample struct {
	ShipmentID string  `json:"shipmentId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	TS         int64   `json:"ts"`
	AgentName  string  `json:"agentName"`
}

func FromSample(s models.LocationSample) LocationSample {
	return LocationSample{
		ShipmentID: string(s.ShipmentID),
		Lat:        s.Latitude,
		Lng:        s.Longitude,
		TS:         s.Timestamp.UnixMilli(),
		AgentName:  s.PublisherLabel,
	}
}

func (m LocationSample) ToSample() models.LocationSample {
	return models.LocationSample{
		ShipmentID:     models.ShipmentID(m.ShipmentID),
		Latitude:       m.Lat,
		Longitude:      m.Lng,
		Timestamp:      time.UnixMilli(m.TS).UTC(),
		PublisherLabel: m.AgentName,
	}
}

func (m LocationSample) Validate() error {
	if m.ShipmentID == "" {
		return errors.Wrap(ErrInvalidSample, "shipmentId is required")
	}
	if m.Lat < -90 || m.Lat > 90 {
		return errors.Wrapf(ErrInvalidSample, "lat %v out of range", m.Lat)
	}
	if m.Lng < -180 || m.Lng > 180 {
		return errors.Wrapf(ErrInvalidSample, "lng %v out of range", m.Lng)
	}
	return nil
}

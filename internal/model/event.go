package model

import "encoding/json"

// Push-channel event types.
const (
	EventRideStatus     = "ride_status"
	EventDriverPosition = "driver_position"
	EventOffer          = "offer"
	EventSOS            = "sos"
	EventAuthUpdate     = "auth:update"
)

// Envelope is the frame exchanged on the push channel. Treat it as a contract.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RideStatusEvent struct {
	RideID    string     `json:"rideId"`
	Status    RideStatus `json:"status"`
	Seq       int64      `json:"seq,omitempty"`
	EmittedAt int64      `json:"emittedAt,omitempty"` // unix millis
}

type DriverPosition struct {
	RideID   string   `json:"rideId"`
	DriverID string   `json:"driverId,omitempty"`
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Heading  *float64 `json:"heading,omitempty"`
	TS       int64    `json:"ts,omitempty"`
}

type Offer struct {
	RideID      string  `json:"rideId"`
	Fare        float64 `json:"fare,omitempty"`
	ProductType string  `json:"productType,omitempty"`
	CreatedAt   string  `json:"createdAt,omitempty"`
	Seq         int64   `json:"seq,omitempty"`
}

type SOS struct {
	RideID  string   `json:"rideId"`
	RiderID string   `json:"riderId,omitempty"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
	At      int64    `json:"at,omitempty"`
}

package model

import "time"

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RideStatus string

const (
	RideMatching      RideStatus = "matching"
	RideMatched       RideStatus = "matched"
	RideAssigned      RideStatus = "assigned"
	RidePickupArrived RideStatus = "pickup_arrived"
	RideInProgress    RideStatus = "in_progress"
	RideCompleted     RideStatus = "completed"
	RideCancelled     RideStatus = "cancelled"
)

// LifecycleOp is a driver-side ride transition.
type LifecycleOp string

const (
	OpArrive   LifecycleOp = "arrive"
	OpStart    LifecycleOp = "start"
	OpComplete LifecycleOp = "complete"
)

func (op LifecycleOp) Valid() bool {
	switch op {
	case OpArrive, OpStart, OpComplete:
		return true
	}
	return false
}

type RideRequest struct {
	Pickup        LatLng `json:"pickup"`
	Dropoff       LatLng `json:"dropoff"`
	ProductType   string `json:"productType,omitempty"`
	PaymentMethod string `json:"paymentMethod,omitempty"`
}

type Ride struct {
	ID         string     `json:"_id"`
	Status     RideStatus `json:"status"`
	Pickup     *LatLng    `json:"pickup,omitempty"`
	Dropoff    *LatLng    `json:"dropoff,omitempty"`
	Fare       float64    `json:"fare"`
	FinalFare  float64    `json:"finalFare,omitempty"`
	EtaMinutes float64    `json:"etaMinutes,omitempty"`
	CreatedAt  string     `json:"createdAt,omitempty"`
	UpdatedAt  string     `json:"updatedAt,omitempty"`
}

// RidesPage is one page of GET /rides.
type RidesPage struct {
	Rides      []Ride `json:"rides"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type RidePatch struct {
	ProductType string  `json:"productType,omitempty"`
	Dropoff     *LatLng `json:"dropoff,omitempty"`
}

type Feedback struct {
	ID        string `json:"_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type Payment struct {
	ID             string  `json:"_id"`
	RideID         string  `json:"rideId"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	CapturedAmount float64 `json:"capturedAmount,omitempty"`
	RefundedAmount float64 `json:"refundedAmount,omitempty"`
	UpdatedAt      string  `json:"updatedAt,omitempty"`
}

type PaymentRequest struct {
	RideID   string  `json:"rideId"`
	Method   string  `json:"method"`
	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
}

// RideStatusUpdate is the reconciled latest-known state of one ride.
type RideStatusUpdate struct {
	RideID    string     `json:"rideId"`
	Status    RideStatus `json:"status"`
	Seq       int64      `json:"seq,omitempty"`
	EmittedAt time.Time  `json:"emittedAt"`
}

// RideRequestResult is the server's answer to POST /rides/request.
type RideRequestResult struct {
	RideID          string     `json:"rideId"`
	Status          RideStatus `json:"status"`
	Fare            float64    `json:"fare,omitempty"`
	EtaMinutes      float64    `json:"etaMinutes,omitempty"`
	SurgeMultiplier float64    `json:"surgeMultiplier,omitempty"`
}

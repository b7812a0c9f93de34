package actionqueue

import (
	"fmt"
	"strconv"
	"strings"
)

const feedbackKeyRunes = 140

func (p FeedbackPayload) DedupeKey() string {
	msg := []rune(strings.TrimSpace(p.Message))
	if len(msg) > feedbackKeyRunes {
		msg = msg[:feedbackKeyRunes]
	}
	return "fb:" + string(msg)
}

func (p RideRequestPayload) DedupeKey() string {
	product := p.ProductType
	if product == "" {
		product = "standard"
	}
	return "ride:" + coord(p.Pickup.Lat) + "," + coord(p.Pickup.Lng) +
		"->" + coord(p.Dropoff.Lat) + "," + coord(p.Dropoff.Lng) + ":" + product
}

// DedupeKey rounds to five decimals (about a metre) so repeated pings from a
// stationary driver collapse.
func (p LocationPayload) DedupeKey() string {
	return fmt.Sprintf("loc:%.5f,%.5f", p.Lat, p.Lng)
}

func (p LifecyclePayload) DedupeKey() string {
	if p.RideID == "" || p.Op == "" {
		return ""
	}
	return "dl:" + p.RideID + ":" + string(p.Op)
}

func coord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

package models

import "time"

type EventType string

const (
	EventNewTrip      EventType = "newTrip"
	EventRevisedPrice EventType = "revisedPrice"
	EventCounterPrice EventType = "counterPrice"
	EventTripStatus   EventType = "tripStatus"
	EventUserLocation EventType = "receiveUserLocation"
	EventError        EventType = "error"
)

// Event is the envelope pushed to connected parties and appended to the
// trip event log. Price events carry no bid payload: receivers refetch the
// trip and use Version/BidCount only to detect that their copy is stale.
type Event struct {
	Type       EventType `json:"type"`
	TripID     string    `json:"tripId,omitempty"`
	SenderID   string    `json:"sender,omitempty"`
	Message    string    `json:"message,omitempty"`
	Version    int64     `json:"version,omitempty"`
	BidCount   int       `json:"bidCount,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Latitude   float64   `json:"latitude,omitempty"`
	Longitude  float64   `json:"longitude,omitempty"`
	Recipients []string  `json:"-"`
	At         time.Time `json:"at"`
}

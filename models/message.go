package models

import "time"

// Direction of a transcript entry relative to the local device.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Message is one transcript entry. Messages live only in memory.
type Message struct {
	Direction  Direction `json:"direction"`
	Text       string    `json:"text"`
	EndpointID string    `json:"endpoint_id"`
	At         time.Time `json:"at"`
}

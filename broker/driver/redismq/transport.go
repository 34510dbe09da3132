package redismq

import (
	"time"

	"github.com/infigaming-com/go-events/events"
)

// queueMessage is the transport wrapper stored in queue lists and the
// processing hash. ReceiveCount counts how many times the message has
// been returned to the queue; it drives the dead-letter policy.
type queueMessage struct {
	MessageId    string           `json:"messageId"`
	Queue        string           `json:"queue"`
	Event        *events.Envelope `json:"event"`
	ReceiveCount int              `json:"receiveCount"`
	EnqueuedAt   time.Time        `json:"enqueuedAt"`
}

// topicMessage is the frame published on topic channels.
type topicMessage struct {
	MessageId string           `json:"messageId"`
	Topic     string           `json:"topic"`
	Event     *events.Envelope `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
}

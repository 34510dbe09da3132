package broker

import "errors"

var (
	ErrClosed               = errors.New("broker: closed")
	ErrUnknownQueue         = errors.New("broker: queue not in catalog")
	ErrUnknownTopic         = errors.New("broker: topic not in catalog")
	ErrNilEnvelope          = errors.New("broker: nil envelope")
	ErrNilHandler           = errors.New("broker: nil handler")
	ErrSubscriptionNotFound = errors.New("broker: subscription not found")
)

package bus

import "context"

// Topic names shared with the request service and the realtime gateway.
const (
	TopicRequestCreated   = "request.created"
	TopicOfferCreated     = "offer.created"
	TopicJobAccepted      = "job.accepted"
	TopicJobStatusChanged = "job.status.changed"
	TopicJobLocationPing  = "job.location.pinged"
	TopicProviderLocation = "provider.location.updated"
)

// Handler processes one raw message. Delivery is at least once, so
// handlers must tolerate duplicates. A handler error is logged by the
// consumer loop and the message is not redelivered by us.
type Handler func(ctx context.Context, value []byte) error

// Bus is a publish/subscribe channel with named topics and independent
// consumer groups per topic.
//
// Publish marshals the payload to JSON. It may retry transient failures
// a bounded number of times but must not block business logic beyond
// that; callers treat a returned error as log-and-continue.
//
// Subscribe blocks until ctx is canceled, invoking handler for each
// message delivered to the given group.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

package models

import "time"

// RequestStatus tracks a service request through dispatch.
type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestOffered  RequestStatus = "OFFERED"
	RequestAccepted RequestStatus = "ACCEPTED"
	RequestCanceled RequestStatus = "CANCELED"
	RequestExpired  RequestStatus = "EXPIRED"
)

// Terminal reports whether the request can no longer change state.
func (s RequestStatus) Terminal() bool {
	return s == RequestAccepted || s == RequestCanceled || s == RequestExpired
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
)

// JobStatus values form a linear progression with CANCELED as an escape
// hatch from every non-terminal state.
type JobStatus string

const (
	JobAccepted  JobStatus = "ACCEPTED"
	JobOnTheWay  JobStatus = "ON_THE_WAY"
	JobArrived   JobStatus = "ARRIVED"
	JobStarted   JobStatus = "STARTED"
	JobCompleted JobStatus = "COMPLETED"
	JobCanceled  JobStatus = "CANCELED"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCanceled
}

// ProviderLocation is the live position of an online provider. It exists
// only while the provider is online and is owned by the geo index.
type ProviderLocation struct {
	ProviderID string    `json:"providerId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ServiceRequest struct {
	ID          string        `json:"id"`
	CustomerID  string        `json:"customerId"`
	CategoryID  string        `json:"categoryId"`
	Description string        `json:"description,omitempty"`
	PickupLat   float64       `json:"pickupLat"`
	PickupLng   float64       `json:"pickupLng"`
	Address     string        `json:"address,omitempty"`
	Price       float64       `json:"price,omitempty"`
	Status      RequestStatus `json:"status"`
	ProviderID  string        `json:"providerId,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Offer pairs one provider with one request, optionally at a
// counter-proposed price. Many offers may exist per request; at most one
// may ever reach ACCEPTED.
type Offer struct {
	ID             string      `json:"id"`
	RequestID      string      `json:"requestId"`
	ProviderID     string      `json:"providerId"`
	ProposedPrice  float64     `json:"proposedPrice,omitempty"`
	Message        string      `json:"message,omitempty"`
	Status         OfferStatus `json:"status"`
	TimeoutSeconds int         `json:"timeoutSeconds"`
	CreatedAt      time.Time   `json:"createdAt"`
}

// Job is the durable record of an accepted engagement. Exactly one job
// exists per request, created by the winning acceptance.
type Job struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"requestId"`
	ProviderID  string     `json:"providerId"`
	CustomerID  string     `json:"customerId"`
	Status      JobStatus  `json:"status"`
	PaymentRef  string     `json:"paymentRef,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// LocationPing is one append-only history entry for a job's route.
type LocationPing struct {
	JobID      string    `json:"jobId"`
	ProviderID string    `json:"providerId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  time.Time `json:"timestamp"`
}

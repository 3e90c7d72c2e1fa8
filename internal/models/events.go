package models

// Event payloads exchanged over the bus. Field names match the wire
// contract consumed by the realtime gateway and the request service.

type RequestCreatedEvent struct {
	RequestID   string  `json:"requestId"`
	CustomerID  string  `json:"customerId"`
	CategoryID  string  `json:"categoryId"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price,omitempty"`
}

type OfferCreatedEvent struct {
	RequestID      string  `json:"requestId"`
	ProviderID     string  `json:"providerId"`
	TimeoutSeconds int     `json:"timeoutSeconds"`
	OfferID        string  `json:"offerId,omitempty"`
	ProposedPrice  float64 `json:"proposedPrice,omitempty"`
}

type JobAcceptedEvent struct {
	RequestID  string `json:"requestId"`
	JobID      string `json:"jobId"`
	ProviderID string `json:"providerId"`
	CustomerID string `json:"customerId"`
}

type JobStatusChangedEvent struct {
	JobID      string    `json:"jobId"`
	RequestID  string    `json:"requestId"`
	ProviderID string    `json:"providerId"`
	CustomerID string    `json:"customerId"`
	Status     JobStatus `json:"status"`
}

type LocationPingEvent struct {
	JobID      string  `json:"jobId"`
	ProviderID string  `json:"providerId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
}

type ProviderLocationEvent struct {
	ProviderID string  `json:"providerId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Online     *bool   `json:"online,omitempty"`
}

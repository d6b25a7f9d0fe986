package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

type ProductionStatus uint8

const (
	ProductionStatusPending ProductionStatus = iota
	ProductionStatusInProgress
	ProductionStatusCompleted
	ProductionStatusFailed
)

func (s ProductionStatus) Valid() bool {
	return s <= ProductionStatusFailed
}

func (s ProductionStatus) String() string {
	switch s {
	case ProductionStatusPending:
		return "pending"
	case ProductionStatusInProgress:
		return "inProgress"
	case ProductionStatusCompleted:
		return "completed"
	case ProductionStatusFailed:
		return "failed"
	}
	return "unknown"
}

type DeliveryStatus uint8

const (
	DeliveryStatusPending DeliveryStatus = iota
	DeliveryStatusPreparing
	DeliveryStatusShipping
	DeliveryStatusDelivered
	DeliveryStatusReturned
)

func (s DeliveryStatus) Valid() bool {
	return s <= DeliveryStatusReturned
}

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryStatusPending:
		return "pending"
	case DeliveryStatusPreparing:
		return "preparing"
	case DeliveryStatusShipping:
		return "shipping"
	case DeliveryStatusDelivered:
		return "delivered"
	case DeliveryStatusReturned:
		return "returned"
	}
	return "unknown"
}

// ParseDeliveryStatus maps the wire form of a delivery status back to
// its enum value.
func ParseDeliveryStatus(s string) (DeliveryStatus, error) {
	for st := DeliveryStatusPending; st <= DeliveryStatusReturned; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, ErrUnknownStatus
}

// Book tracks the rendered document of a closed issue. At most one book
// exists per issue. Production and delivery run as independent state
// machines; the production pipeline is the only writer of
// ProductionStatus.
type Book struct {
	Id                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	IssueId            primitive.ObjectID `json:"issueId" bson:"issueId"`
	ProductionStatus   ProductionStatus   `json:"productionStatus" bson:"productionStatus"`
	DeliveryStatus     DeliveryStatus     `json:"deliveryStatus" bson:"deliveryStatus"`
	ArtifactKey        string             `json:"artifactKey" bson:"artifactKey,omitempty"`
	Attempts           int                `json:"attempts" bson:"attempts"`
	Timestamp          int64              `json:"timestamp" bson:"timestamp"`
	ProducedTimestamp  int64              `json:"producedTimestamp" bson:"producedTimestamp,omitempty"`
	ShippedTimestamp   int64              `json:"shippedTimestamp" bson:"shippedTimestamp,omitempty"`
	DeliveredTimestamp int64              `json:"deliveredTimestamp" bson:"deliveredTimestamp,omitempty"`
	Carrier            string             `json:"carrier" bson:"carrier,omitempty"`
	TrackingId         string             `json:"trackingId" bson:"trackingId,omitempty"`
}

// DeliveryTransitionAllowed reports whether the delivery state machine
// permits moving from one status to the next. Delivered and returned are
// terminal.
func DeliveryTransitionAllowed(from, to DeliveryStatus) bool {
	switch from {
	case DeliveryStatusPending:
		return to == DeliveryStatusPreparing
	case DeliveryStatusPreparing:
		return to == DeliveryStatusShipping
	case DeliveryStatusShipping:
		return to == DeliveryStatusDelivered || to == DeliveryStatusReturned
	}
	return false
}

package domain

type DeadlinePolicy uint8

const (
	DeadlinePolicySecondSunday DeadlinePolicy = iota
	DeadlinePolicyFourthSunday
)

func (p DeadlinePolicy) Valid() bool {
	return p <= DeadlinePolicyFourthSunday
}

func (p DeadlinePolicy) String() string {
	switch p {
	case DeadlinePolicySecondSunday:
		return "secondSunday"
	case DeadlinePolicyFourthSunday:
		return "fourthSunday"
	}
	return "unknown"
}

type GroupStatus uint8

const (
	GroupStatusActive GroupStatus = iota
	GroupStatusInactive
)

func (s GroupStatus) Valid() bool {
	return s <= GroupStatusInactive
}

// Group is owned by the membership subsystem; this service only reads it
// to drive issue scheduling and book covers.
type Group struct {
	Id             string         `json:"id" bson:"_id,omitempty"`
	Name           string         `json:"name" bson:"name"`
	RecipientName  string         `json:"recipientName" bson:"recipientName"`
	DeadlinePolicy DeadlinePolicy `json:"deadlinePolicy" bson:"deadlinePolicy"`
	Status         GroupStatus    `json:"status" bson:"status"`
	Timestamp      int64          `json:"timestamp" bson:"timestamp"`
}

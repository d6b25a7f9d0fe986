package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type IssueStatus uint8

const (
	IssueStatusOpen IssueStatus = iota
	IssueStatusClosed
	IssueStatusPublished
)

func (s IssueStatus) Valid() bool {
	return s <= IssueStatusPublished
}

func (s IssueStatus) String() string {
	switch s {
	case IssueStatusOpen:
		return "open"
	case IssueStatusClosed:
		return "closed"
	case IssueStatusPublished:
		return "published"
	}
	return "unknown"
}

// Issue is one collection cycle of a group. A group has zero or one open
// issue at any time; issue numbers are sequential per group from 1.
type Issue struct {
	Id                 primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	GroupId            string             `json:"groupId" bson:"groupId"`
	IssueNumber        int                `json:"issueNumber" bson:"issueNumber"`
	DeadlineDate       time.Time          `json:"deadlineDate" bson:"deadlineDate"`
	Status             IssueStatus        `json:"status" bson:"status"`
	Timestamp          int64              `json:"timestamp" bson:"timestamp"`
	ClosedTimestamp    int64              `json:"closedTimestamp" bson:"closedTimestamp,omitempty"`
	PublishedTimestamp int64              `json:"publishedTimestamp" bson:"publishedTimestamp,omitempty"`
}

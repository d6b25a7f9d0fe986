package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BookModel is the aggregated, render-ready form of a closed issue:
// everything the renderer needs, resolved and ordered, with no further
// record-store access required.
type BookModel struct {
	IssueId       primitive.ObjectID
	GroupId       string
	RecipientName string
	IssueNumber   int
	Period        time.Time
	Sections      []BookSection
}

// BookSection is one content item of the model. Author attributes are
// display values already resolved through the member directory.
type BookSection struct {
	PostId       primitive.ObjectID
	AuthorName   string
	Relationship string
	WrittenAt    time.Time
	Text         string
	Images       []ImageRef
}

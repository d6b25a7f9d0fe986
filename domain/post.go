package domain

import "go.mongodb.org/mongo-driver/bson/primitive"

const MaxPostImages = 4

// ImageRef points at an uploaded image. Key addresses the artifact
// store; URL is an optional direct location for externally hosted
// images.
type ImageRef struct {
	Key string `json:"key" bson:"key"`
	URL string `json:"url" bson:"url,omitempty"`
}

// Post is a member-submitted content item: free text plus up to four
// images, append-only while its issue is open.
type Post struct {
	Id        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	IssueId   primitive.ObjectID `json:"issueId" bson:"issueId"`
	AuthorId  string             `json:"authorId" bson:"authorId"`
	Text      string             `json:"text" bson:"text"`
	Images    []ImageRef         `json:"images" bson:"images,omitempty"`
	Timestamp int64              `json:"timestamp" bson:"timestamp"`
}

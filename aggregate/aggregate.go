// Package aggregate reads a closed issue's content and assembles the
// render-ready book model. It has no side effects; everything the
// renderer needs is resolved here.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue/issuerepo"
	"github.com/familybook/familybook-server/members"
)

const CName = "book.aggregate"

var log = logger.NewNamed(CName)

func New() Aggregator {
	return new(aggregator)
}

type Aggregator interface {
	Aggregate(ctx context.Context, issueId primitive.ObjectID) (*domain.BookModel, error)
	app.Component
}

type aggregator struct {
	repo    issuerepo.IssueRepo
	members members.Directory
}

func (ag *aggregator) Init(a *app.App) (err error) {
	ag.repo = a.MustComponent(issuerepo.CName).(issuerepo.IssueRepo)
	ag.members = a.MustComponent(members.CName).(members.Directory)
	return
}

func (ag *aggregator) Name() (name string) {
	return CName
}

func (ag *aggregator) Aggregate(ctx context.Context, issueId primitive.ObjectID) (*domain.BookModel, error) {
	issue, err := ag.repo.GetIssue(ctx, issueId)
	if err != nil {
		return nil, err
	}
	if issue.Status == domain.IssueStatusOpen {
		return nil, fmt.Errorf("issue %s is still open: %w", issueId.Hex(), domain.ErrInvalidTransition)
	}
	group, err := ag.repo.GetGroup(ctx, issue.GroupId)
	if err != nil {
		return nil, err
	}
	posts, err := ag.repo.PostsByIssue(ctx, issueId)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, fmt.Errorf("issue %s: %w", issueId.Hex(), domain.ErrNotReady)
	}

	model := &domain.BookModel{
		IssueId:       issue.Id,
		GroupId:       group.Id,
		RecipientName: group.RecipientName,
		IssueNumber:   issue.IssueNumber,
		Period:        issue.DeadlineDate,
		Sections:      make([]domain.BookSection, 0, len(posts)),
	}
	for _, post := range posts {
		section := domain.BookSection{
			PostId:    post.Id,
			WrittenAt: time.Unix(post.Timestamp, 0).UTC(),
			Text:      post.Text,
			Images:    post.Images,
		}
		profile, err := ag.members.Resolve(ctx, post.AuthorId)
		if err != nil {
			// Identity lookup failures degrade the byline, never the book.
			log.Warn("author resolution failed",
				zap.String("authorId", post.AuthorId),
				zap.Error(err))
			section.AuthorName = members.AnonymousName
		} else {
			section.AuthorName = profile.Name
			section.Relationship = profile.Relationship
		}
		model.Sections = append(model.Sections, section)
	}
	return model, nil
}

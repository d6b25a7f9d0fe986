package issuerepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anyproto/any-sync/app"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/familybook/familybook-server/db"
	"github.com/familybook/familybook-server/domain"
)

const CName = "issue.repo"

func New() IssueRepo {
	return new(issueRepo)
}

type IssueRepo interface {
	GetGroup(ctx context.Context, groupId string) (domain.Group, error)
	ListActiveGroups(ctx context.Context) ([]domain.Group, error)

	GetIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error)
	CurrentIssue(ctx context.Context, groupId string) (domain.Issue, error)
	ListIssues(ctx context.Context, groupId string) ([]domain.Issue, error)
	OpenIssue(ctx context.Context, groupId string, issueNumber int, deadlineDate time.Time) (domain.Issue, error)
	CloseIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error)
	PublishIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error)

	AppendPost(ctx context.Context, post domain.Post, maxPosts int) (domain.Post, error)
	PostsByIssue(ctx context.Context, issueId primitive.ObjectID) ([]domain.Post, error)
	CountPosts(ctx context.Context, issueId primitive.ObjectID) (int, error)

	app.ComponentRunnable
}

var (
	issueIndexes = []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "groupId", Value: 1},
				{Key: "status", Value: 1},
			},
		},
	}
	postIndexes = []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "issueId", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
	}
)

type issueRepo struct {
	db         db.Database
	groupsColl *mongo.Collection
	issuesColl *mongo.Collection
	postsColl  *mongo.Collection
}

func (r *issueRepo) Name() (name string) {
	return CName
}

func (r *issueRepo) Init(a *app.App) (err error) {
	r.db = a.MustComponent(db.CName).(db.Database)
	r.groupsColl = r.db.Db().Collection("groups")
	r.issuesColl = r.db.Db().Collection("issues")
	r.postsColl = r.db.Db().Collection("posts")
	return
}

func (r *issueRepo) Run(ctx context.Context) (err error) {
	if err = ensureIndexes(ctx, r.issuesColl, issueIndexes...); err != nil {
		return
	}
	if err = ensureIndexes(ctx, r.postsColl, postIndexes...); err != nil {
		return
	}
	return
}

func ensureIndexes(ctx context.Context, coll *mongo.Collection, indexes ...mongo.IndexModel) (err error) {
	existingIndexes, err := coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return
	}
	if len(existingIndexes) <= 1 {
		_, err = coll.Indexes().CreateMany(ctx, indexes)
	}
	return
}

func (r *issueRepo) GetGroup(ctx context.Context, groupId string) (group domain.Group, err error) {
	if err = r.groupsColl.FindOne(ctx, bson.D{{Key: "_id", Value: groupId}}).Decode(&group); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Group{}, domain.ErrNotFound
		}
		return
	}
	if !group.DeadlinePolicy.Valid() || !group.Status.Valid() {
		return domain.Group{}, fmt.Errorf("group %s: %w", groupId, domain.ErrUnknownStatus)
	}
	return
}

func (r *issueRepo) ListActiveGroups(ctx context.Context) (groups []domain.Group, err error) {
	cur, err := r.groupsColl.Find(ctx, bson.D{{Key: "status", Value: domain.GroupStatusActive}})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var group domain.Group
		if err = cur.Decode(&group); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, cur.Err()
}

func (r *issueRepo) GetIssue(ctx context.Context, id primitive.ObjectID) (issue domain.Issue, err error) {
	return r.issueByQuery(ctx, bson.D{{Key: "_id", Value: id}})
}

func (r *issueRepo) CurrentIssue(ctx context.Context, groupId string) (issue domain.Issue, err error) {
	return r.issueByQuery(ctx, bson.D{{Key: "groupId", Value: groupId}, {Key: "status", Value: domain.IssueStatusOpen}})
}

func (r *issueRepo) issueByQuery(ctx context.Context, query any) (issue domain.Issue, err error) {
	if err = r.issuesColl.FindOne(ctx, query).Decode(&issue); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Issue{}, domain.ErrNotFound
		}
		return
	}
	if !issue.Status.Valid() {
		return domain.Issue{}, fmt.Errorf("issue %s: %w", issue.Id.Hex(), domain.ErrUnknownStatus)
	}
	return
}

func (r *issueRepo) ListIssues(ctx context.Context, groupId string) (issues []domain.Issue, err error) {
	opts := options.Find().SetSort(bson.D{{Key: "issueNumber", Value: -1}})
	cur, err := r.issuesColl.Find(ctx, bson.D{{Key: "groupId", Value: groupId}}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var issue domain.Issue
		if err = cur.Decode(&issue); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, cur.Err()
}

// OpenIssue inserts a new open issue inside a transaction that first
// verifies no other open issue exists for the group. The zero-or-one
// open issue invariant depends on this check, not on a storage
// constraint.
func (r *issueRepo) OpenIssue(ctx context.Context, groupId string, issueNumber int, deadlineDate time.Time) (issue domain.Issue, err error) {
	err = r.db.Tx(ctx, func(txCtx mongo.SessionContext) (err error) {
		query := bson.D{{Key: "groupId", Value: groupId}, {Key: "status", Value: domain.IssueStatusOpen}}
		var existing domain.Issue
		if err = r.issuesColl.FindOne(txCtx, query).Decode(&existing); err == nil {
			return fmt.Errorf("group %s already has open issue #%d: %w", groupId, existing.IssueNumber, domain.ErrInvariantViolation)
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		issue = domain.Issue{
			Id:           primitive.NewObjectID(),
			GroupId:      groupId,
			IssueNumber:  issueNumber,
			DeadlineDate: deadlineDate,
			Status:       domain.IssueStatusOpen,
			Timestamp:    time.Now().Unix(),
		}
		_, err = r.issuesColl.InsertOne(txCtx, issue)
		return err
	})
	if err != nil {
		return domain.Issue{}, err
	}
	return
}

func (r *issueRepo) CloseIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error) {
	return r.transition(ctx, id, domain.IssueStatusOpen, bson.D{
		{Key: "status", Value: domain.IssueStatusClosed},
		{Key: "closedTimestamp", Value: time.Now().Unix()},
	})
}

func (r *issueRepo) PublishIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error) {
	return r.transition(ctx, id, domain.IssueStatusClosed, bson.D{
		{Key: "status", Value: domain.IssueStatusPublished},
		{Key: "publishedTimestamp", Value: time.Now().Unix()},
	})
}

// transition is a single-document compare-and-set on the current
// status; a no-op match is reported as ErrInvalidTransition so racing
// callers can tell "already done" from "missing".
func (r *issueRepo) transition(ctx context.Context, id primitive.ObjectID, from domain.IssueStatus, set bson.D) (issue domain.Issue, err error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err = r.issuesColl.FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: from}},
		bson.D{{Key: "$set", Value: set}},
		opts,
	).Decode(&issue)
	if err == nil {
		return
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Issue{}, err
	}
	if _, getErr := r.GetIssue(ctx, id); getErr != nil {
		return domain.Issue{}, getErr
	}
	return domain.Issue{}, domain.ErrInvalidTransition
}

// AppendPost inserts the post inside a transaction that re-checks the
// issue status and the per-issue quota, so an over-quota item is never
// partially persisted.
func (r *issueRepo) AppendPost(ctx context.Context, post domain.Post, maxPosts int) (domain.Post, error) {
	err := r.db.Tx(ctx, func(txCtx mongo.SessionContext) (err error) {
		var issue domain.Issue
		if err = r.issuesColl.FindOne(txCtx, bson.D{{Key: "_id", Value: post.IssueId}}).Decode(&issue); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return domain.ErrNotFound
			}
			return err
		}
		if issue.Status != domain.IssueStatusOpen {
			return fmt.Errorf("issue is %s: %w", issue.Status, domain.ErrInvalidTransition)
		}
		count, err := r.postsColl.CountDocuments(txCtx, bson.D{{Key: "issueId", Value: post.IssueId}})
		if err != nil {
			return err
		}
		if int(count) >= maxPosts {
			return domain.ErrCapacityExceeded
		}
		_, err = r.postsColl.InsertOne(txCtx, post)
		return err
	})
	if err != nil {
		return domain.Post{}, err
	}
	return post, nil
}

// PostsByIssue returns the issue's posts ordered by creation time with
// id as the tiebreaker, so repeated renders see an identical sequence.
func (r *issueRepo) PostsByIssue(ctx context.Context, issueId primitive.ObjectID) (posts []domain.Post, err error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.postsColl.Find(ctx, bson.D{{Key: "issueId", Value: issueId}}, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var post domain.Post
		if err = cur.Decode(&post); err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, cur.Err()
}

func (r *issueRepo) CountPosts(ctx context.Context, issueId primitive.ObjectID) (int, error) {
	count, err := r.postsColl.CountDocuments(ctx, bson.D{{Key: "issueId", Value: issueId}})
	return int(count), err
}

func (r *issueRepo) Close(ctx context.Context) (err error) {
	return
}

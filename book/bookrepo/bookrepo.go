package bookrepo

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

const CName = "book.repo"

var (
	// ErrAlreadyCompleted: the issue's book is done; the caller no-ops.
	ErrAlreadyCompleted = errors.New("book already completed")
	// ErrInProgress: another worker holds production for this issue.
	ErrInProgress = errors.New("book production in progress")
	// ErrFailed: the book is FAILED; only an explicit regenerate may
	// re-enter it into production.
	ErrFailed = errors.New("book production failed")
)

func New() BookRepo {
	return new(bookRepo)
}

type BookRepo interface {
	GetBook(ctx context.Context, id primitive.ObjectID) (domain.Book, error)
	GetByIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Book, error)
	// AcquireProduction is the single-writer queue admission: it looks
	// up or creates the issue's book and moves it PENDING ->
	// IN_PROGRESS atomically. Completed, in-progress and failed books
	// surface as the sentinel errors above; FAILED is terminal here and
	// only ResetForRegenerate re-enters it.
	AcquireProduction(ctx context.Context, issueId primitive.ObjectID) (domain.Book, error)
	MarkCompleted(ctx context.Context, id primitive.ObjectID, artifactKey string) (domain.Book, error)
	MarkFailed(ctx context.Context, id primitive.ObjectID) error
	// ResetForRegenerate re-enters a book into production for a full
	// re-render against the same record. Unlike AcquireProduction it
	// accepts every state: FAILED, and also IN_PROGRESS left behind by
	// a crashed worker. The caller excludes a live render via the
	// issue lock.
	ResetForRegenerate(ctx context.Context, id primitive.ObjectID) (domain.Book, error)
	UpdateDelivery(ctx context.Context, id primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (domain.Book, error)
	ClosedIssuesWithoutCompletedBook(ctx context.Context) ([]domain.Issue, error)
	ListPendingBooks(ctx context.Context) ([]domain.Book, error)
	app.ComponentRunnable
}

var bookIndexes = []mongo.IndexModel{
	{
		Keys:    bson.D{{Key: "issueId", Value: 1}},
		Options: options.Index().SetUnique(true),
	},
	{
		Keys: bson.D{{Key: "productionStatus", Value: 1}},
	},
}

type bookRepo struct {
	db         db.Database
	booksColl  *mongo.Collection
	issuesColl *mongo.Collection
}

func (r *bookRepo) Name() (name string) {
	return CName
}

func (r *bookRepo) Init(a *app.App) (err error) {
	r.db = a.MustComponent(db.CName).(db.Database)
	r.booksColl = r.db.Db().Collection("books")
	r.issuesColl = r.db.Db().Collection("issues")
	return
}

func (r *bookRepo) Run(ctx context.Context) (err error) {
	existingIndexes, err := r.booksColl.Indexes().ListSpecifications(ctx)
	if err != nil {
		return
	}
	if len(existingIndexes) <= 1 {
		_, err = r.booksColl.Indexes().CreateMany(ctx, bookIndexes)
	}
	return
}

func (r *bookRepo) GetBook(ctx context.Context, id primitive.ObjectID) (book domain.Book, err error) {
	return r.bookByQuery(ctx, bson.D{{Key: "_id", Value: id}})
}

func (r *bookRepo) GetByIssue(ctx context.Context, issueId primitive.ObjectID) (book domain.Book, err error) {
	return r.bookByQuery(ctx, bson.D{{Key: "issueId", Value: issueId}})
}

func (r *bookRepo) bookByQuery(ctx context.Context, query any) (book domain.Book, err error) {
	if err = r.booksColl.FindOne(ctx, query).Decode(&book); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.Book{}, domain.ErrNotFound
		}
		return
	}
	if !book.ProductionStatus.Valid() || !book.DeliveryStatus.Valid() {
		return domain.Book{}, fmt.Errorf("book %s: %w", book.Id.Hex(), domain.ErrUnknownStatus)
	}
	return
}

func (r *bookRepo) AcquireProduction(ctx context.Context, issueId primitive.ObjectID) (book domain.Book, err error) {
	err = r.db.Tx(ctx, func(txCtx mongo.SessionContext) (err error) {
		var existing domain.Book
		err = r.booksColl.FindOne(txCtx, bson.D{{Key: "issueId", Value: issueId}}).Decode(&existing)
		if err != nil {
			if !errors.Is(err, mongo.ErrNoDocuments) {
				return err
			}
			existing = domain.Book{
				Id:               primitive.NewObjectID(),
				IssueId:          issueId,
				ProductionStatus: domain.ProductionStatusPending,
				DeliveryStatus:   domain.DeliveryStatusPending,
				Timestamp:        time.Now().Unix(),
			}
			if _, err = r.booksColl.InsertOne(txCtx, existing); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					return fmt.Errorf("second book for issue %s: %w", issueId.Hex(), domain.ErrInvariantViolation)
				}
				return err
			}
		}
		switch existing.ProductionStatus {
		case domain.ProductionStatusCompleted:
			return ErrAlreadyCompleted
		case domain.ProductionStatusInProgress:
			return ErrInProgress
		case domain.ProductionStatusFailed:
			return ErrFailed
		}
		book, err = r.casProduction(txCtx, existing.Id,
			[]domain.ProductionStatus{domain.ProductionStatusPending},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "productionStatus", Value: domain.ProductionStatusInProgress}}},
				{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
			})
		if errors.Is(err, domain.ErrInvalidTransition) {
			return ErrInProgress
		}
		return err
	})
	if err != nil {
		return domain.Book{}, err
	}
	return
}

func (r *bookRepo) MarkCompleted(ctx context.Context, id primitive.ObjectID, artifactKey string) (domain.Book, error) {
	return r.casProduction(ctx, id,
		[]domain.ProductionStatus{domain.ProductionStatusInProgress},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "productionStatus", Value: domain.ProductionStatusCompleted},
			{Key: "artifactKey", Value: artifactKey},
			{Key: "producedTimestamp", Value: time.Now().Unix()},
		}}})
}

// MarkFailed leaves any previous artifact key untouched: a FAILED book
// never gains a partial artifact reference from the failed run.
func (r *bookRepo) MarkFailed(ctx context.Context, id primitive.ObjectID) error {
	_, err := r.casProduction(ctx, id,
		[]domain.ProductionStatus{domain.ProductionStatusInProgress},
		bson.D{{Key: "$set", Value: bson.D{{Key: "productionStatus", Value: domain.ProductionStatusFailed}}}})
	return err
}

func (r *bookRepo) ResetForRegenerate(ctx context.Context, id primitive.ObjectID) (domain.Book, error) {
	return r.casProduction(ctx, id,
		[]domain.ProductionStatus{
			domain.ProductionStatusPending,
			domain.ProductionStatusInProgress,
			domain.ProductionStatusCompleted,
			domain.ProductionStatusFailed,
		},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "productionStatus", Value: domain.ProductionStatusInProgress}}},
			{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		})
}

func (r *bookRepo) casProduction(ctx context.Context, id primitive.ObjectID, from []domain.ProductionStatus, update bson.D) (book domain.Book, err error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err = r.booksColl.FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "productionStatus", Value: bson.D{{Key: "$in", Value: from}}}},
		update,
		opts,
	).Decode(&book)
	if err == nil {
		return
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Book{}, err
	}
	if _, getErr := r.GetBook(ctx, id); getErr != nil {
		return domain.Book{}, getErr
	}
	return domain.Book{}, domain.ErrInvalidTransition
}

func (r *bookRepo) UpdateDelivery(ctx context.Context, id primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (book domain.Book, err error) {
	current, err := r.GetBook(ctx, id)
	if err != nil {
		return
	}
	if !domain.DeliveryTransitionAllowed(current.DeliveryStatus, to) {
		return domain.Book{}, fmt.Errorf("delivery %s -> %s: %w", current.DeliveryStatus, to, domain.ErrInvalidTransition)
	}
	set := bson.D{{Key: "deliveryStatus", Value: to}}
	if carrier != "" {
		set = append(set, bson.E{Key: "carrier", Value: carrier})
	}
	if trackingId != "" {
		set = append(set, bson.E{Key: "trackingId", Value: trackingId})
	}
	switch to {
	case domain.DeliveryStatusShipping:
		set = append(set, bson.E{Key: "shippedTimestamp", Value: time.Now().Unix()})
	case domain.DeliveryStatusDelivered:
		set = append(set, bson.E{Key: "deliveredTimestamp", Value: time.Now().Unix()})
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err = r.booksColl.FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "deliveryStatus", Value: current.DeliveryStatus}},
		bson.D{{Key: "$set", Value: set}},
		opts,
	).Decode(&book)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Lost the race against a concurrent delivery update.
		return domain.Book{}, domain.ErrInvalidTransition
	}
	return
}

// ClosedIssuesWithoutCompletedBook reconstructs pending production work
// from durable state, independent of the in-memory queue.
func (r *bookRepo) ClosedIssuesWithoutCompletedBook(ctx context.Context) (issues []domain.Issue, err error) {
	cur, err := r.issuesColl.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "status", Value: domain.IssueStatusClosed}}}},
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: "books"},
			{Key: "localField", Value: "_id"},
			{Key: "foreignField", Value: "issueId"},
			{Key: "as", Value: "books"},
		}}},
		{{Key: "$match", Value: bson.D{{Key: "books", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
			{Key: "productionStatus", Value: domain.ProductionStatusCompleted},
		}}}}}}}}},
	})
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

func (r *bookRepo) ListPendingBooks(ctx context.Context) (books []domain.Book, err error) {
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "productionStatus", Value: bson.D{{Key: "$ne", Value: domain.ProductionStatusCompleted}}}},
		bson.D{{Key: "deliveryStatus", Value: bson.D{{Key: "$ne", Value: domain.DeliveryStatusDelivered}}}},
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	cur, err := r.booksColl.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	for cur.Next(ctx) {
		var book domain.Book
		if err = cur.Decode(&book); err != nil {
			return nil, err
		}
		books = append(books, book)
	}
	return books, cur.Err()
}

func (r *bookRepo) Close(ctx context.Context) (err error) {
	return
}

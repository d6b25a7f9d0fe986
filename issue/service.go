package issue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/book/bookrepo"
	"github.com/familybook/familybook-server/deadline"
	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue/issuerepo"
	"github.com/familybook/familybook-server/pipeline"
	"github.com/familybook/familybook-server/redislock"
)

const CName = "issue.service"

var log = logger.NewNamed(CName)

func New() Service {
	return new(service)
}

// producer is the one-way signal into the book production pipeline.
type producer interface {
	Enqueue(issueId primitive.ObjectID)
}

// Service owns the issue state machine: OPEN -> CLOSED -> PUBLISHED,
// with exactly zero or one OPEN issue per group at any time.
type Service interface {
	OpenInitialIssue(ctx context.Context, groupId string) (domain.Issue, error)
	AppendContent(ctx context.Context, issueId primitive.ObjectID, authorId, text string, images []domain.ImageRef) (domain.Post, error)
	CloseIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Issue, error)
	OpenNextIssue(ctx context.Context, groupId string, previousIssueId primitive.ObjectID) (domain.Issue, error)
	PublishIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Issue, error)
	// Rotate closes the group's open issue and opens the next one as a
	// single unit under the group lock. With dueOnly set it no-ops
	// unless the open issue's deadline has passed.
	Rotate(ctx context.Context, groupId string, dueOnly bool) (opened domain.Issue, rotated bool, err error)
	CurrentIssue(ctx context.Context, groupId string) (domain.Issue, error)
	IssueDetail(ctx context.Context, issueId primitive.ObjectID) (Detail, error)
	ListIssues(ctx context.Context, groupId string) ([]domain.Issue, error)
	app.Component
}

// Detail is the operator view of a single issue: the issue itself plus
// how full and how close to its deadline it is. DaysLeft goes negative
// once the deadline date has passed.
type Detail struct {
	Issue     domain.Issue `json:"issue"`
	PostCount int          `json:"postCount"`
	DaysLeft  int          `json:"daysLeft"`
}

type service struct {
	conf     Config
	repo     issuerepo.IssueRepo
	books    bookrepo.BookRepo
	locks    redislock.Service
	pipeline producer
	now      func() time.Time
}

func (s *service) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configGetter).GetIssue()
	s.repo = a.MustComponent(issuerepo.CName).(issuerepo.IssueRepo)
	s.books = a.MustComponent(bookrepo.CName).(bookrepo.BookRepo)
	s.locks = a.MustComponent(redislock.CName).(redislock.Service)
	s.pipeline = a.MustComponent(pipeline.CName).(producer)
	s.now = time.Now
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) OpenInitialIssue(ctx context.Context, groupId string) (issue domain.Issue, err error) {
	group, err := s.repo.GetGroup(ctx, groupId)
	if err != nil {
		return
	}
	err = s.locks.WithLock(ctx, redislock.GroupKey(groupId), func(ctx context.Context) error {
		next, err := deadline.NextDeadline(s.now(), group.DeadlinePolicy)
		if err != nil {
			return err
		}
		issue, err = s.repo.OpenIssue(ctx, groupId, 1, next)
		return err
	})
	if err != nil {
		return domain.Issue{}, err
	}
	log.Info("opened initial issue", zap.String("groupId", groupId), zap.String("issueId", issue.Id.Hex()))
	return
}

func (s *service) AppendContent(ctx context.Context, issueId primitive.ObjectID, authorId, text string, images []domain.ImageRef) (domain.Post, error) {
	if len(images) > domain.MaxPostImages {
		return domain.Post{}, fmt.Errorf("%d images, at most %d allowed: %w", len(images), domain.MaxPostImages, domain.ErrCapacityExceeded)
	}
	post := domain.Post{
		Id:        primitive.NewObjectID(),
		IssueId:   issueId,
		AuthorId:  authorId,
		Text:      text,
		Images:    images,
		Timestamp: s.now().Unix(),
	}
	return s.repo.AppendPost(ctx, post, s.conf.maxPosts())
}

func (s *service) CloseIssue(ctx context.Context, issueId primitive.ObjectID) (closed domain.Issue, err error) {
	issue, err := s.repo.GetIssue(ctx, issueId)
	if err != nil {
		return
	}
	err = s.locks.WithLock(ctx, redislock.GroupKey(issue.GroupId), func(ctx context.Context) error {
		closed, err = s.repo.CloseIssue(ctx, issueId)
		return err
	})
	if err != nil {
		return domain.Issue{}, err
	}
	log.Info("issue closed", zap.String("issueId", issueId.Hex()), zap.Int("issueNumber", closed.IssueNumber))
	s.pipeline.Enqueue(issueId)
	return
}

func (s *service) OpenNextIssue(ctx context.Context, groupId string, previousIssueId primitive.ObjectID) (opened domain.Issue, err error) {
	group, err := s.repo.GetGroup(ctx, groupId)
	if err != nil {
		return
	}
	err = s.locks.WithLock(ctx, redislock.GroupKey(groupId), func(ctx context.Context) error {
		prev, err := s.repo.GetIssue(ctx, previousIssueId)
		if err != nil {
			return err
		}
		if prev.GroupId != groupId {
			return fmt.Errorf("issue %s does not belong to group %s: %w", previousIssueId.Hex(), groupId, domain.ErrInvariantViolation)
		}
		if prev.Status == domain.IssueStatusOpen {
			return fmt.Errorf("previous issue still open: %w", domain.ErrInvalidTransition)
		}
		opened, err = s.openNextLocked(ctx, group, prev.IssueNumber)
		return err
	})
	if err != nil {
		return domain.Issue{}, err
	}
	return
}

func (s *service) openNextLocked(ctx context.Context, group domain.Group, previousNumber int) (domain.Issue, error) {
	next, err := deadline.NextDeadline(s.now(), group.DeadlinePolicy)
	if err != nil {
		return domain.Issue{}, err
	}
	opened, err := s.repo.OpenIssue(ctx, group.Id, previousNumber+1, next)
	if err != nil {
		return domain.Issue{}, err
	}
	log.Info("opened next issue",
		zap.String("groupId", group.Id),
		zap.Int("issueNumber", opened.IssueNumber),
		zap.Time("deadline", opened.DeadlineDate))
	return opened, nil
}

func (s *service) PublishIssue(ctx context.Context, issueId primitive.ObjectID) (published domain.Issue, err error) {
	book, err := s.books.GetByIssue(ctx, issueId)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Issue{}, fmt.Errorf("issue has no book: %w", domain.ErrInvalidTransition)
		}
		return
	}
	if book.ProductionStatus != domain.ProductionStatusCompleted {
		return domain.Issue{}, fmt.Errorf("book production is %s: %w", book.ProductionStatus, domain.ErrInvalidTransition)
	}
	return s.repo.PublishIssue(ctx, issueId)
}

func (s *service) Rotate(ctx context.Context, groupId string, dueOnly bool) (opened domain.Issue, rotated bool, err error) {
	group, err := s.repo.GetGroup(ctx, groupId)
	if err != nil {
		return
	}
	var closedId primitive.ObjectID
	err = s.locks.WithLock(ctx, redislock.GroupKey(groupId), func(ctx context.Context) error {
		cur, err := s.repo.CurrentIssue(ctx, groupId)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Already rotated by a racing trigger.
				return nil
			}
			return err
		}
		if dueOnly && !deadline.Passed(cur.DeadlineDate, s.now()) {
			return nil
		}
		if _, err = s.repo.CloseIssue(ctx, cur.Id); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		closedId = cur.Id
		if opened, err = s.openNextLocked(ctx, group, cur.IssueNumber); err != nil {
			return err
		}
		rotated = true
		return nil
	})
	if err != nil {
		return domain.Issue{}, false, err
	}
	if rotated {
		// Enqueue outside the group lock; the sweep re-creates this
		// signal from durable state if it gets lost here.
		s.pipeline.Enqueue(closedId)
	}
	return
}

func (s *service) CurrentIssue(ctx context.Context, groupId string) (domain.Issue, error) {
	return s.repo.CurrentIssue(ctx, groupId)
}

func (s *service) IssueDetail(ctx context.Context, issueId primitive.ObjectID) (det Detail, err error) {
	if det.Issue, err = s.repo.GetIssue(ctx, issueId); err != nil {
		return
	}
	if det.PostCount, err = s.repo.CountPosts(ctx, issueId); err != nil {
		return
	}
	det.DaysLeft = deadline.DaysUntil(det.Issue.DeadlineDate, s.now())
	return
}

func (s *service) ListIssues(ctx context.Context, groupId string) ([]domain.Issue, error) {
	return s.repo.ListIssues(ctx, groupId)
}

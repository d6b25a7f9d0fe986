package issue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/familybook/familybook-server/domain"
)

var ctx = context.Background()

// 2024-03-01 is a Friday; the second Sunday of March 2024 is the 10th
// and the fourth is the 24th.
var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestService_OpenInitialIssue(t *testing.T) {
	t.Run("opens issue #1 with next deadline", func(t *testing.T) {
		fx := newFixture(t)
		fx.repo.groups["g1"] = domain.Group{Id: "g1", DeadlinePolicy: domain.DeadlinePolicySecondSunday}
		issue, err := fx.OpenInitialIssue(ctx, "g1")
		require.NoError(t, err)
		assert.Equal(t, 1, issue.IssueNumber)
		assert.Equal(t, domain.IssueStatusOpen, issue.Status)
		assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), issue.DeadlineDate)
	})
	t.Run("unknown group", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.OpenInitialIssue(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
	t.Run("group already has an open issue", func(t *testing.T) {
		fx := newFixture(t)
		fx.repo.groups["g1"] = domain.Group{Id: "g1"}
		_, err := fx.OpenInitialIssue(ctx, "g1")
		require.NoError(t, err)
		_, err = fx.OpenInitialIssue(ctx, "g1")
		require.ErrorIs(t, err, domain.ErrInvariantViolation)
	})
}

func TestService_AppendContent(t *testing.T) {
	t.Run("appends to open issue", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		post, err := fx.AppendContent(ctx, issue.Id, "a1", "hello", nil)
		require.NoError(t, err)
		assert.Equal(t, issue.Id, post.IssueId)
		assert.Equal(t, "a1", post.AuthorId)
		assert.Equal(t, testNow.Unix(), post.Timestamp)
	})
	t.Run("too many images", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		images := make([]domain.ImageRef, domain.MaxPostImages+1)
		_, err := fx.AppendContent(ctx, issue.Id, "a1", "hello", images)
		require.ErrorIs(t, err, domain.ErrCapacityExceeded)
		assert.Empty(t, fx.repo.posts[issue.Id])
	})
	t.Run("issue post quota", func(t *testing.T) {
		fx := newFixture(t)
		fx.conf.MaxPostsPerIssue = 2
		issue := fx.openIssue(t, "g1")
		for i := 0; i < 2; i++ {
			_, err := fx.AppendContent(ctx, issue.Id, "a1", fmt.Sprint(i), nil)
			require.NoError(t, err)
		}
		_, err := fx.AppendContent(ctx, issue.Id, "a1", "over", nil)
		require.ErrorIs(t, err, domain.ErrCapacityExceeded)
		assert.Len(t, fx.repo.posts[issue.Id], 2)
	})
	t.Run("closed issue rejects content", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		_, err := fx.CloseIssue(ctx, issue.Id)
		require.NoError(t, err)
		_, err = fx.AppendContent(ctx, issue.Id, "a1", "late", nil)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestService_CloseIssue(t *testing.T) {
	t.Run("closes and enqueues", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		closed, err := fx.CloseIssue(ctx, issue.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.IssueStatusClosed, closed.Status)
		assert.Equal(t, []primitive.ObjectID{issue.Id}, fx.producer.enqueued)
	})
	t.Run("double close", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		_, err := fx.CloseIssue(ctx, issue.Id)
		require.NoError(t, err)
		_, err = fx.CloseIssue(ctx, issue.Id)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Len(t, fx.producer.enqueued, 1)
	})
	t.Run("unknown issue", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.CloseIssue(ctx, primitive.NewObjectID())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_OpenNextIssue(t *testing.T) {
	t.Run("opens with incremented number", func(t *testing.T) {
		fx := newFixture(t)
		first := fx.openIssue(t, "g1")
		_, err := fx.CloseIssue(ctx, first.Id)
		require.NoError(t, err)
		next, err := fx.OpenNextIssue(ctx, "g1", first.Id)
		require.NoError(t, err)
		assert.Equal(t, 2, next.IssueNumber)
		assert.Equal(t, domain.IssueStatusOpen, next.Status)
	})
	t.Run("previous issue still open", func(t *testing.T) {
		fx := newFixture(t)
		first := fx.openIssue(t, "g1")
		_, err := fx.OpenNextIssue(ctx, "g1", first.Id)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
	t.Run("issue from another group", func(t *testing.T) {
		fx := newFixture(t)
		fx.repo.groups["g2"] = domain.Group{Id: "g2"}
		first := fx.openIssue(t, "g1")
		_, err := fx.CloseIssue(ctx, first.Id)
		require.NoError(t, err)
		_, err = fx.OpenNextIssue(ctx, "g2", first.Id)
		require.ErrorIs(t, err, domain.ErrInvariantViolation)
	})
}

func TestService_PublishIssue(t *testing.T) {
	t.Run("requires a completed book", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		_, err := fx.CloseIssue(ctx, issue.Id)
		require.NoError(t, err)
		_, err = fx.PublishIssue(ctx, issue.Id)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		fx.books.byIssue[issue.Id] = domain.Book{IssueId: issue.Id, ProductionStatus: domain.ProductionStatusFailed}
		_, err = fx.PublishIssue(ctx, issue.Id)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)

		fx.books.byIssue[issue.Id] = domain.Book{IssueId: issue.Id, ProductionStatus: domain.ProductionStatusCompleted}
		published, err := fx.PublishIssue(ctx, issue.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.IssueStatusPublished, published.Status)
	})
	t.Run("open issue cannot be published", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		fx.books.byIssue[issue.Id] = domain.Book{IssueId: issue.Id, ProductionStatus: domain.ProductionStatusCompleted}
		_, err := fx.PublishIssue(ctx, issue.Id)
		require.ErrorIs(t, err, domain.ErrInvalidTransition)
	})
}

func TestService_Rotate(t *testing.T) {
	t.Run("closes current and opens next", func(t *testing.T) {
		fx := newFixture(t)
		first := fx.openIssue(t, "g1")
		opened, rotated, err := fx.Rotate(ctx, "g1", false)
		require.NoError(t, err)
		require.True(t, rotated)
		assert.Equal(t, 2, opened.IssueNumber)
		assert.Equal(t, []primitive.ObjectID{first.Id}, fx.producer.enqueued)

		closed, err := fx.repo.GetIssue(ctx, first.Id)
		require.NoError(t, err)
		assert.Equal(t, domain.IssueStatusClosed, closed.Status)
	})
	t.Run("no open issue is a no-op", func(t *testing.T) {
		fx := newFixture(t)
		fx.repo.groups["g1"] = domain.Group{Id: "g1"}
		_, rotated, err := fx.Rotate(ctx, "g1", false)
		require.NoError(t, err)
		assert.False(t, rotated)
		assert.Empty(t, fx.producer.enqueued)
	})
	t.Run("dueOnly skips issues before the deadline", func(t *testing.T) {
		fx := newFixture(t)
		fx.openIssue(t, "g1")
		_, rotated, err := fx.Rotate(ctx, "g1", true)
		require.NoError(t, err)
		assert.False(t, rotated)
		assert.Empty(t, fx.producer.enqueued)
	})
	t.Run("dueOnly rotates once the deadline passed", func(t *testing.T) {
		fx := newFixture(t)
		first := fx.openIssue(t, "g1")
		fx.now = func() time.Time { return first.DeadlineDate.AddDate(0, 0, 1) }
		opened, rotated, err := fx.Rotate(ctx, "g1", true)
		require.NoError(t, err)
		require.True(t, rotated)
		assert.Equal(t, 2, opened.IssueNumber)
	})
	t.Run("repeated dueOnly rotation is exactly-once per cycle", func(t *testing.T) {
		fx := newFixture(t)
		first := fx.openIssue(t, "g1")
		fx.now = func() time.Time { return first.DeadlineDate.AddDate(0, 0, 1) }
		_, rotated, err := fx.Rotate(ctx, "g1", true)
		require.NoError(t, err)
		require.True(t, rotated)
		// The freshly opened issue's deadline is in the future now.
		_, rotated, err = fx.Rotate(ctx, "g1", true)
		require.NoError(t, err)
		assert.False(t, rotated)
		assert.Len(t, fx.producer.enqueued, 1)
	})
}

func TestService_IssueDetail(t *testing.T) {
	t.Run("reports post count and days left", func(t *testing.T) {
		fx := newFixture(t)
		issue := fx.openIssue(t, "g1")
		for i := 0; i < 3; i++ {
			_, err := fx.AppendContent(ctx, issue.Id, "a1", fmt.Sprint(i), nil)
			require.NoError(t, err)
		}
		det, err := fx.IssueDetail(ctx, issue.Id)
		require.NoError(t, err)
		assert.Equal(t, issue.Id, det.Issue.Id)
		assert.Equal(t, 3, det.PostCount)
		// testNow is March 1st, the deadline March 10th
		assert.Equal(t, 9, det.DaysLeft)
	})
	t.Run("unknown issue", func(t *testing.T) {
		fx := newFixture(t)
		_, err := fx.IssueDetail(ctx, primitive.NewObjectID())
		require.ErrorIs(t, err, domain.ErrNotFound)
	})
}

type fixture struct {
	*service
	repo     *fakeRepo
	books    *fakeBooks
	producer *fakeProducer
}

func newFixture(t *testing.T) *fixture {
	repo := newFakeRepo()
	books := &fakeBooks{byIssue: map[primitive.ObjectID]domain.Book{}}
	producer := &fakeProducer{}
	s := &service{
		conf:     Config{},
		repo:     repo,
		books:    books,
		locks:    fakeLocks{},
		pipeline: producer,
		now:      func() time.Time { return testNow },
	}
	return &fixture{service: s, repo: repo, books: books, producer: producer}
}

func (fx *fixture) openIssue(t *testing.T, groupId string) domain.Issue {
	if _, ok := fx.repo.groups[groupId]; !ok {
		fx.repo.groups[groupId] = domain.Group{Id: groupId, DeadlinePolicy: domain.DeadlinePolicySecondSunday}
	}
	issue, err := fx.OpenInitialIssue(ctx, groupId)
	require.NoError(t, err)
	return issue
}

type fakeRepo struct {
	mu     sync.Mutex
	groups map[string]domain.Group
	issues map[primitive.ObjectID]domain.Issue
	posts  map[primitive.ObjectID][]domain.Post
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		groups: map[string]domain.Group{},
		issues: map[primitive.ObjectID]domain.Issue{},
		posts:  map[primitive.ObjectID][]domain.Post{},
	}
}

func (r *fakeRepo) GetGroup(ctx context.Context, groupId string) (domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[groupId]
	if !ok {
		return domain.Group{}, domain.ErrNotFound
	}
	return group, nil
}

func (r *fakeRepo) ListActiveGroups(ctx context.Context) (groups []domain.Group, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, group := range r.groups {
		if group.Status == domain.GroupStatusActive {
			groups = append(groups, group)
		}
	}
	return
}

func (r *fakeRepo) GetIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[id]
	if !ok {
		return domain.Issue{}, domain.ErrNotFound
	}
	return issue, nil
}

func (r *fakeRepo) CurrentIssue(ctx context.Context, groupId string) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, issue := range r.issues {
		if issue.GroupId == groupId && issue.Status == domain.IssueStatusOpen {
			return issue, nil
		}
	}
	return domain.Issue{}, domain.ErrNotFound
}

func (r *fakeRepo) ListIssues(ctx context.Context, groupId string) (issues []domain.Issue, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, issue := range r.issues {
		if issue.GroupId == groupId {
			issues = append(issues, issue)
		}
	}
	return
}

func (r *fakeRepo) OpenIssue(ctx context.Context, groupId string, issueNumber int, deadlineDate time.Time) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, issue := range r.issues {
		if issue.GroupId == groupId && issue.Status == domain.IssueStatusOpen {
			return domain.Issue{}, domain.ErrInvariantViolation
		}
	}
	issue := domain.Issue{
		Id:           primitive.NewObjectID(),
		GroupId:      groupId,
		IssueNumber:  issueNumber,
		DeadlineDate: deadlineDate,
		Status:       domain.IssueStatusOpen,
	}
	r.issues[issue.Id] = issue
	return issue, nil
}

func (r *fakeRepo) CloseIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error) {
	return r.transition(id, domain.IssueStatusOpen, domain.IssueStatusClosed)
}

func (r *fakeRepo) PublishIssue(ctx context.Context, id primitive.ObjectID) (domain.Issue, error) {
	return r.transition(id, domain.IssueStatusClosed, domain.IssueStatusPublished)
}

func (r *fakeRepo) transition(id primitive.ObjectID, from, to domain.IssueStatus) (domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[id]
	if !ok {
		return domain.Issue{}, domain.ErrNotFound
	}
	if issue.Status != from {
		return domain.Issue{}, domain.ErrInvalidTransition
	}
	issue.Status = to
	r.issues[id] = issue
	return issue, nil
}

func (r *fakeRepo) AppendPost(ctx context.Context, post domain.Post, maxPosts int) (domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[post.IssueId]
	if !ok {
		return domain.Post{}, domain.ErrNotFound
	}
	if issue.Status != domain.IssueStatusOpen {
		return domain.Post{}, domain.ErrInvalidTransition
	}
	if len(r.posts[post.IssueId]) >= maxPosts {
		return domain.Post{}, domain.ErrCapacityExceeded
	}
	r.posts[post.IssueId] = append(r.posts[post.IssueId], post)
	return post, nil
}

func (r *fakeRepo) PostsByIssue(ctx context.Context, issueId primitive.ObjectID) ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posts[issueId], nil
}

func (r *fakeRepo) CountPosts(ctx context.Context, issueId primitive.ObjectID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.posts[issueId]), nil
}

func (r *fakeRepo) Init(a *app.App) error           { return nil }
func (r *fakeRepo) Name() string                    { return "issue.repo" }
func (r *fakeRepo) Run(ctx context.Context) error   { return nil }
func (r *fakeRepo) Close(ctx context.Context) error { return nil }

type fakeBooks struct {
	byIssue map[primitive.ObjectID]domain.Book
}

func (b *fakeBooks) GetByIssue(ctx context.Context, issueId primitive.ObjectID) (domain.Book, error) {
	book, ok := b.byIssue[issueId]
	if !ok {
		return domain.Book{}, domain.ErrNotFound
	}
	return book, nil
}

func (b *fakeBooks) GetBook(ctx context.Context, id primitive.ObjectID) (domain.Book, error) {
	return domain.Book{}, domain.ErrNotFound
}

func (b *fakeBooks) AcquireProduction(ctx context.Context, issueId primitive.ObjectID) (domain.Book, error) {
	return domain.Book{}, nil
}

func (b *fakeBooks) MarkCompleted(ctx context.Context, id primitive.ObjectID, artifactKey string) (domain.Book, error) {
	return domain.Book{}, nil
}

func (b *fakeBooks) MarkFailed(ctx context.Context, id primitive.ObjectID) error { return nil }

func (b *fakeBooks) ResetForRegenerate(ctx context.Context, id primitive.ObjectID) (domain.Book, error) {
	return domain.Book{}, nil
}

func (b *fakeBooks) UpdateDelivery(ctx context.Context, id primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (domain.Book, error) {
	return domain.Book{}, nil
}

func (b *fakeBooks) ClosedIssuesWithoutCompletedBook(ctx context.Context) ([]domain.Issue, error) {
	return nil, nil
}

func (b *fakeBooks) ListPendingBooks(ctx context.Context) ([]domain.Book, error) { return nil, nil }

func (b *fakeBooks) Init(a *app.App) error           { return nil }
func (b *fakeBooks) Name() string                    { return "book.repo" }
func (b *fakeBooks) Run(ctx context.Context) error   { return nil }
func (b *fakeBooks) Close(ctx context.Context) error { return nil }

type fakeLocks struct{}

func (fakeLocks) TryLock(ctx context.Context, key string) (func(), error) {
	return func() {}, nil
}

func (fakeLocks) WithLock(ctx context.Context, key string, f func(ctx context.Context) error) error {
	return f(ctx)
}

func (fakeLocks) Init(a *app.App) error           { return nil }
func (fakeLocks) Name() string                    { return "redislock" }
func (fakeLocks) Run(ctx context.Context) error   { return nil }
func (fakeLocks) Close(ctx context.Context) error { return nil }

type fakeProducer struct {
	enqueued []primitive.ObjectID
}

func (p *fakeProducer) Enqueue(issueId primitive.ObjectID) {
	p.enqueued = append(p.enqueued, issueId)
}

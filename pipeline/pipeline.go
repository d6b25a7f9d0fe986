// Package pipeline drives book production: a FIFO of issue ids drained
// by a worker pool, with queue admission decided against durable book
// state so a given issue's render is never run twice concurrently. The
// queue itself is lossy by design; the pending-book sweep rebuilds it
// from the record store after restarts.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/aggregate"
	"github.com/familybook/familybook-server/book/bookrepo"
	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue/issuerepo"
	"github.com/familybook/familybook-server/redislock"
	"github.com/familybook/familybook-server/render"
	"github.com/familybook/familybook-server/store"
)

const CName = "book.pipeline"

var log = logger.NewNamed(CName)

func New() Service {
	return new(service)
}

type configGetter interface {
	GetPipeline() Config
}

type Config struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queueSize"`
	MaxAttempts int `yaml:"maxAttempts"`
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

func (c Config) queueSize() int {
	if c.QueueSize <= 0 {
		return 1024
	}
	return c.QueueSize
}

func (c Config) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return 3
	}
	return c.MaxAttempts
}

type Service interface {
	// Enqueue submits an issue for production. Idempotent: issues whose
	// book is completed or already being produced are no-ops at
	// processing time.
	Enqueue(issueId primitive.ObjectID)
	Process(ctx context.Context, issueId primitive.ObjectID) error
	// Regenerate re-runs the full aggregate/render/store sequence
	// against the existing book record.
	Regenerate(ctx context.Context, bookId primitive.ObjectID) error
	UpdateDelivery(ctx context.Context, bookId primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (domain.Book, error)
	ListPendingBooks(ctx context.Context) ([]domain.Book, error)
	app.ComponentRunnable
}

type service struct {
	conf       Config
	issues     issuerepo.IssueRepo
	books      bookrepo.BookRepo
	aggregator aggregate.Aggregator
	renderer   render.Renderer
	store      store.Store
	locks      redislock.Service

	queue     chan primitive.ObjectID
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func (s *service) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configGetter).GetPipeline()
	s.issues = a.MustComponent(issuerepo.CName).(issuerepo.IssueRepo)
	s.books = a.MustComponent(bookrepo.CName).(bookrepo.BookRepo)
	s.aggregator = a.MustComponent(aggregate.CName).(aggregate.Aggregator)
	s.renderer = a.MustComponent(render.CName).(render.Renderer)
	s.store = a.MustComponent(store.CName).(store.Store)
	s.locks = a.MustComponent(redislock.CName).(redislock.Service)
	s.queue = make(chan primitive.ObjectID, s.conf.queueSize())
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	for i := 0; i < s.conf.workers(); i++ {
		s.wg.Add(1)
		go s.worker()
	}
	log.Info("pipeline started", zap.Int("workers", s.conf.workers()))
	return
}

func (s *service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case issueId := <-s.queue:
			if err := s.Process(s.runCtx, issueId); err != nil {
				log.Error("book production failed", zap.String("issueId", issueId.Hex()), zap.Error(err))
			}
		}
	}
}

func (s *service) Enqueue(issueId primitive.ObjectID) {
	select {
	case s.queue <- issueId:
	default:
		// The pending-book sweep re-submits from durable state.
		log.Warn("queue full, dropping enqueue", zap.String("issueId", issueId.Hex()))
	}
}

func (s *service) Process(ctx context.Context, issueId primitive.ObjectID) error {
	release, err := s.locks.TryLock(ctx, redislock.IssueKey(issueId.Hex()))
	if err != nil {
		if errors.Is(err, redislock.ErrLocked) {
			// Another worker holds this issue.
			return nil
		}
		return err
	}
	defer release()

	issue, err := s.issues.GetIssue(ctx, issueId)
	if err != nil {
		return err
	}
	if issue.Status == domain.IssueStatusOpen {
		return fmt.Errorf("issue %s is still open: %w", issueId.Hex(), domain.ErrInvalidTransition)
	}
	book, err := s.books.AcquireProduction(ctx, issueId)
	if err != nil {
		// FAILED stays failed until an operator regenerates; the sweep
		// keeps re-submitting such issues and no-ops here every time.
		if errors.Is(err, bookrepo.ErrAlreadyCompleted) ||
			errors.Is(err, bookrepo.ErrInProgress) ||
			errors.Is(err, bookrepo.ErrFailed) {
			return nil
		}
		return err
	}
	return s.produce(ctx, issue, book)
}

func (s *service) Regenerate(ctx context.Context, bookId primitive.ObjectID) error {
	book, err := s.books.GetBook(ctx, bookId)
	if err != nil {
		return err
	}
	release, err := s.locks.TryLock(ctx, redislock.IssueKey(book.IssueId.Hex()))
	if err != nil {
		if errors.Is(err, redislock.ErrLocked) {
			return fmt.Errorf("issue %s: %w", book.IssueId.Hex(), bookrepo.ErrInProgress)
		}
		return err
	}
	defer release()

	issue, err := s.issues.GetIssue(ctx, book.IssueId)
	if err != nil {
		return err
	}
	if book, err = s.books.ResetForRegenerate(ctx, bookId); err != nil {
		return err
	}
	// drop superseded artifacts so a failed re-render cannot leave a
	// stale PDF behind a COMPLETED-looking key
	if err = s.store.DeletePath(ctx, store.BookPath(issue.GroupId, issue.Id.Hex())); err != nil {
		return err
	}
	log.Info("regenerating book", zap.String("bookId", bookId.Hex()), zap.String("issueId", issue.Id.Hex()))
	return s.produce(ctx, issue, book)
}

// produce runs aggregate -> render -> store -> complete. Any failure
// marks the book FAILED without touching its previous artifact key, so
// no partial result is ever observable as COMPLETED.
func (s *service) produce(ctx context.Context, issue domain.Issue, book domain.Book) error {
	model, err := s.aggregator.Aggregate(ctx, issue.Id)
	if err != nil {
		s.fail(ctx, book, err)
		return err
	}
	data, err := s.renderer.Render(ctx, model)
	if err != nil {
		s.fail(ctx, book, err)
		return err
	}
	key := store.BookKey(issue.GroupId, issue.Id.Hex(), issue.IssueNumber)
	if err = s.putWithRetry(ctx, key, data); err != nil {
		s.fail(ctx, book, err)
		return err
	}
	if _, err = s.books.MarkCompleted(ctx, book.Id, key); err != nil {
		return err
	}
	log.Info("book completed",
		zap.String("issueId", issue.Id.Hex()),
		zap.String("artifactKey", key),
		zap.Int("attempts", book.Attempts))
	return nil
}

func (s *service) putWithRetry(ctx context.Context, key string, data []byte) (err error) {
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		if err = s.store.Put(ctx, key, store.PDFContentType, bytes.NewReader(data)); err == nil {
			return nil
		}
		if !store.Transient(err) || attempt >= s.conf.maxAttempts() {
			return err
		}
		log.Warn("artifact store put failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *service) fail(ctx context.Context, book domain.Book, cause error) {
	log.Error("marking book failed", zap.String("bookId", book.Id.Hex()), zap.Error(cause))
	if err := s.books.MarkFailed(ctx, book.Id); err != nil {
		log.Error("mark failed", zap.String("bookId", book.Id.Hex()), zap.Error(err))
	}
}

func (s *service) UpdateDelivery(ctx context.Context, bookId primitive.ObjectID, to domain.DeliveryStatus, carrier, trackingId string) (domain.Book, error) {
	return s.books.UpdateDelivery(ctx, bookId, to, carrier, trackingId)
}

func (s *service) ListPendingBooks(ctx context.Context) ([]domain.Book, error) {
	return s.books.ListPendingBooks(ctx)
}

func (s *service) Close(ctx context.Context) (err error) {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.wg.Wait()
	return
}

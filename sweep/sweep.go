// Package sweep is the recovery loop: it rescans durable state on a
// period and re-derives any work a lost signal or restart dropped.
// Deadline handling closes due issues and opens the next ones; the
// pending-book pass re-submits closed issues that still lack a
// completed book.
package sweep

import (
	"context"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/util/periodicsync"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/book/bookrepo"
	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/issue/issuerepo"
	"github.com/familybook/familybook-server/pipeline"
)

const CName = "sweep"

var log = logger.NewNamed(CName)

func New() Sweeper {
	return new(sweeper)
}

type configGetter interface {
	GetSweep() Config
}

type Config struct {
	DeadlinePeriodSec int `yaml:"deadlinePeriodSec"`
	PendingPeriodSec  int `yaml:"pendingPeriodSec"`
}

func (c Config) deadlinePeriod() int {
	if c.DeadlinePeriodSec <= 0 {
		return 3600
	}
	return c.DeadlinePeriodSec
}

func (c Config) pendingPeriod() int {
	if c.PendingPeriodSec <= 0 {
		return 3600
	}
	return c.PendingPeriodSec
}

// groupRotator is what the deadline sweep needs from the issue service.
type groupRotator interface {
	Rotate(ctx context.Context, groupId string, dueOnly bool) (domain.Issue, bool, error)
}

// producer is the enqueue side of the production pipeline.
type producer interface {
	Enqueue(issueId primitive.ObjectID)
}

type Sweeper interface {
	SweepDeadlines(ctx context.Context) error
	SweepPendingBooks(ctx context.Context) error
	app.ComponentRunnable
}

type sweeper struct {
	conf     Config
	repo     issuerepo.IssueRepo
	books    bookrepo.BookRepo
	issues   groupRotator
	pipeline producer

	deadlineTicker periodicsync.PeriodicSync
	pendingTicker  periodicsync.PeriodicSync
}

func (s *sweeper) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configGetter).GetSweep()
	s.repo = a.MustComponent(issuerepo.CName).(issuerepo.IssueRepo)
	s.books = a.MustComponent(bookrepo.CName).(bookrepo.BookRepo)
	s.issues = a.MustComponent(issue.CName).(groupRotator)
	s.pipeline = a.MustComponent(pipeline.CName).(producer)
	s.deadlineTicker = periodicsync.NewPeriodicSync(s.conf.deadlinePeriod(), time.Minute, s.SweepDeadlines, log)
	s.pendingTicker = periodicsync.NewPeriodicSync(s.conf.pendingPeriod(), time.Minute, s.SweepPendingBooks, log)
	return
}

func (s *sweeper) Name() (name string) {
	return CName
}

func (s *sweeper) Run(ctx context.Context) (err error) {
	s.deadlineTicker.Run()
	s.pendingTicker.Run()
	return
}

// SweepDeadlines rotates every active group whose open issue's deadline
// has passed. A rotation raced by another trigger is observed as
// already-rotated and skipped; per-group failures don't stop the scan.
func (s *sweeper) SweepDeadlines(ctx context.Context) error {
	groups, err := s.repo.ListActiveGroups(ctx)
	if err != nil {
		return err
	}
	var rotated int
	for _, group := range groups {
		opened, ok, err := s.issues.Rotate(ctx, group.Id, true)
		if err != nil {
			log.Error("deadline rotation failed", zap.String("groupId", group.Id), zap.Error(err))
			continue
		}
		if ok {
			rotated++
			log.Info("rotated issue on deadline",
				zap.String("groupId", group.Id),
				zap.Int("issueNumber", opened.IssueNumber))
		}
	}
	if rotated > 0 {
		log.Info("deadline sweep done", zap.Int("groups", len(groups)), zap.Int("rotated", rotated))
	}
	return nil
}

// SweepPendingBooks re-enqueues every closed issue that still lacks a
// completed book, rebuilding the production queue from durable state.
func (s *sweeper) SweepPendingBooks(ctx context.Context) error {
	issues, err := s.books.ClosedIssuesWithoutCompletedBook(ctx)
	if err != nil {
		return err
	}
	for _, is := range issues {
		s.pipeline.Enqueue(is.Id)
	}
	if len(issues) > 0 {
		log.Info("pending book sweep done", zap.Int("enqueued", len(issues)))
	}
	return nil
}

func (s *sweeper) Close(ctx context.Context) (err error) {
	if s.deadlineTicker != nil {
		s.deadlineTicker.Close()
	}
	if s.pendingTicker != nil {
		s.pendingTicker.Close()
	}
	return
}

// Package admin is the operator surface: issue rotation, production
// triggers and delivery updates, exposed over plain HTTP for an ops
// tool or curl. Member-facing traffic does not go through here.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/pipeline"
	"github.com/familybook/familybook-server/store"
)

func New() Admin {
	return new(admin)
}

const CName = "admin"

var log = logger.NewNamed(CName)

type configGetter interface {
	GetAdmin() Config
}

type Config struct {
	Addr string `yaml:"addr"`
}

type Admin interface {
	app.ComponentRunnable
}

type admin struct {
	mux      *http.ServeMux
	server   *http.Server
	issues   issue.Service
	pipeline pipeline.Service
	store    store.Store
	config   Config
}

func (a *admin) Name() (name string) {
	return CName
}

func (a *admin) Init(ap *app.App) (err error) {
	a.issues = ap.MustComponent(issue.CName).(issue.Service)
	a.pipeline = ap.MustComponent(pipeline.CName).(pipeline.Service)
	a.store = ap.MustComponent(store.CName).(store.Store)
	a.config = ap.MustComponent("config").(configGetter).GetAdmin()
	a.mux = http.NewServeMux()

	h := handler{issues: a.issues, pipeline: a.pipeline, store: a.store}
	h.init(a.mux)

	a.server = &http.Server{Addr: a.config.Addr, Handler: a.mux}
	return
}

func (a *admin) Run(ctx context.Context) (err error) {
	var errCh = make(chan error)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()
	select {
	case err = <-errCh:
		return err
	case <-time.After(200 * time.Millisecond):
		log.Info("admin server started", zap.String("addr", a.config.Addr))
		return
	}
}

func (a *admin) Close(ctx context.Context) (err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

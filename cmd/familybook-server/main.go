package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/admin"
	"github.com/familybook/familybook-server/aggregate"
	"github.com/familybook/familybook-server/book/bookrepo"
	"github.com/familybook/familybook-server/config"
	"github.com/familybook/familybook-server/db"
	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/issue/issuerepo"
	"github.com/familybook/familybook-server/members"
	"github.com/familybook/familybook-server/pipeline"
	"github.com/familybook/familybook-server/redislock"
	"github.com/familybook/familybook-server/render"
	"github.com/familybook/familybook-server/store"
	"github.com/familybook/familybook-server/sweep"
)

var log = logger.NewNamed("main")

var (
	flagConfigFile = flag.String("c", "etc/config.yml", "path to config file")
)

func main() {
	flag.Parse()

	conf, err := config.NewFromFile(*flagConfigFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "can't open config file:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a := new(app.App)
	bootstrap(a, conf)

	if err = a.Start(ctx); err != nil {
		log.Fatal("can't start app", zap.Error(err))
	}
	log.Info("app started", zap.String("version", a.Version()))

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-exit
	log.Info("received exit signal, stop app...", zap.String("signal", fmt.Sprint(sig)))

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err = a.Close(ctx); err != nil {
		log.Fatal("close error", zap.Error(err))
	}
	log.Info("goodbye!")
}

func bootstrap(a *app.App, conf *config.Config) {
	a.Register(conf).
		Register(db.New()).
		Register(redislock.New()).
		Register(store.New()).
		Register(members.New()).
		Register(issuerepo.New()).
		Register(bookrepo.New()).
		Register(aggregate.New()).
		Register(render.New()).
		Register(pipeline.New()).
		Register(issue.New()).
		Register(sweep.New()).
		Register(admin.New())
}

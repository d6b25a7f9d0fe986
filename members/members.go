// Package members is the narrow read contract against the membership
// subsystem: it resolves an author id to the display attributes printed
// in a book. Lookups are cached; a miss or failure is reported to the
// caller, which degrades to an anonymous label rather than aborting.
package members

import (
	"context"
	"errors"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/anyproto/any-sync/app/ocache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/familybook/familybook-server/db"
)

const CName = "members"

var log = logger.NewNamed(CName)

var ErrUnknownMember = errors.New("unknown member")

// AnonymousName is printed when an author cannot be resolved.
const AnonymousName = "Family member"

func New() Directory {
	return new(directory)
}

type Profile struct {
	AuthorId     string `bson:"_id"`
	Name         string `bson:"name"`
	Relationship string `bson:"relationship"`
}

type Directory interface {
	Resolve(ctx context.Context, authorId string) (Profile, error)
	app.ComponentRunnable
}

type directory struct {
	coll  *mongo.Collection
	cache ocache.OCache
}

func (d *directory) Init(a *app.App) (err error) {
	d.coll = a.MustComponent(db.CName).(db.Database).Db().Collection("members")
	d.cache = ocache.New(d.load, ocache.WithLogger(log.Sugar()), ocache.WithGCPeriod(time.Hour), ocache.WithTTL(time.Hour))
	return nil
}

func (d *directory) Name() (name string) {
	return CName
}

func (d *directory) Run(ctx context.Context) (err error) {
	return
}

func (d *directory) Resolve(ctx context.Context, authorId string) (Profile, error) {
	obj, err := d.cache.Get(ctx, authorId)
	if err != nil {
		if errors.Is(err, ocache.ErrNotExists) {
			return Profile{}, ErrUnknownMember
		}
		return Profile{}, err
	}
	return obj.(*profileObject).profile, nil
}

type profileObject struct {
	profile Profile
}

func (p *profileObject) Close() (err error) {
	return nil
}

func (p *profileObject) TryClose(objectTTL time.Duration) (res bool, err error) {
	if objectTTL > time.Hour {
		return true, nil
	} else {
		return false, nil
	}
}

func (d *directory) load(ctx context.Context, authorId string) (object ocache.Object, err error) {
	var profile Profile
	if err = d.coll.FindOne(ctx, bson.D{{Key: "_id", Value: authorId}}).Decode(&profile); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ocache.ErrNotExists
		}
		return nil, err
	}
	return &profileObject{profile: profile}, nil
}

func (d *directory) Close(ctx context.Context) (err error) {
	return d.cache.Close()
}

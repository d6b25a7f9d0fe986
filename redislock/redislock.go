// Package redislock provides coarse cross-process mutexes on top of
// redis. Locks guard the two places the pipeline needs serialization:
// close/open-next per group and book production per issue.
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const CName = "redislock"

var (
	ErrLocked = errors.New("already locked")
)

// GroupKey is the lock key serializing close/open-next per group.
func GroupKey(groupId string) string {
	return "familybook:lock:group/" + groupId
}

// IssueKey is the lock key serializing book production per issue.
func IssueKey(issueId string) string {
	return "familybook:lock:issue/" + issueId
}

// releaseScript deletes the key only when it still holds our token, so
// an expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func New() Service {
	return new(service)
}

type configGetter interface {
	GetRedis() Config
}

type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// TTLSeconds bounds how long a crashed holder can wedge a key.
	TTLSeconds int `yaml:"ttlSeconds"`
}

type Service interface {
	app.ComponentRunnable
	// TryLock acquires the key or fails immediately with ErrLocked.
	TryLock(ctx context.Context, key string) (release func(), err error)
	// WithLock runs f under the key, waiting for a holder to release.
	WithLock(ctx context.Context, key string, f func(ctx context.Context) error) error
}

type service struct {
	conf   Config
	client *redis.Client
	ttl    time.Duration
}

func (s *service) Init(a *app.App) (err error) {
	s.conf = a.MustComponent("config").(configGetter).GetRedis()
	s.ttl = time.Duration(s.conf.TTLSeconds) * time.Second
	if s.ttl <= 0 {
		s.ttl = 5 * time.Minute
	}
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.conf.Addr,
		Password: s.conf.Password,
		DB:       s.conf.DB,
	})
	return
}

func (s *service) Name() (name string) {
	return CName
}

func (s *service) Run(ctx context.Context) (err error) {
	return s.client.Ping(ctx).Err()
}

func (s *service) TryLock(ctx context.Context, key string) (release func(), err error) {
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, key, token, s.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		_ = releaseScript.Run(context.Background(), s.client, []string{key}, token).Err()
	}, nil
}

func (s *service) WithLock(ctx context.Context, key string, f func(ctx context.Context) error) error {
	for {
		release, err := s.TryLock(ctx, key)
		if err == nil {
			defer release()
			return f(ctx)
		}
		if !errors.Is(err, ErrLocked) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (s *service) Close(ctx context.Context) (err error) {
	return s.client.Close()
}

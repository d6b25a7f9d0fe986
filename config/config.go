package config

import (
	"os"

	"github.com/anyproto/any-sync/app"
	"gopkg.in/yaml.v3"

	"github.com/familybook/familybook-server/admin"
	"github.com/familybook/familybook-server/db"
	"github.com/familybook/familybook-server/issue"
	"github.com/familybook/familybook-server/pipeline"
	"github.com/familybook/familybook-server/redislock"
	"github.com/familybook/familybook-server/render"
	"github.com/familybook/familybook-server/store"
	"github.com/familybook/familybook-server/sweep"
)

const CName = "config"

func NewFromFile(path string) (c *Config, err error) {
	c = &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return
}

type Config struct {
	Mongo    db.Mongo         `yaml:"mongo"`
	Redis    redislock.Config `yaml:"redis"`
	S3Store  store.Config     `yaml:"s3Store"`
	Issue    issue.Config     `yaml:"issue"`
	Pipeline pipeline.Config  `yaml:"pipeline"`
	Render   render.Config    `yaml:"render"`
	Sweep    sweep.Config     `yaml:"sweep"`
	Admin    admin.Config     `yaml:"admin"`
}

func (c *Config) Init(a *app.App) (err error) {
	return nil
}

func (c *Config) Name() (name string) {
	return CName
}

func (c *Config) GetMongo() db.Mongo {
	return c.Mongo
}

func (c *Config) GetRedis() redislock.Config {
	return c.Redis
}

func (c *Config) GetS3Store() store.Config {
	return c.S3Store
}

func (c *Config) GetIssue() issue.Config {
	return c.Issue
}

func (c *Config) GetPipeline() pipeline.Config {
	return c.Pipeline
}

func (c *Config) GetRender() render.Config {
	return c.Render
}

func (c *Config) GetSweep() sweep.Config {
	return c.Sweep
}

func (c *Config) GetAdmin() admin.Config {
	return c.Admin
}

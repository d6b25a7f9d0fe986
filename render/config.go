package render

import "time"

type configGetter interface {
	GetRender() Config
}

type Config struct {
	// MaxImagePx bounds the longest side of an embedded image.
	MaxImagePx int `yaml:"maxImagePx"`
	// ImageFetchTimeoutSec bounds a single image fetch so one slow
	// image cannot stall a whole book.
	ImageFetchTimeoutSec int `yaml:"imageFetchTimeoutSec"`
	JPEGQuality          int `yaml:"jpegQuality"`
}

func (c Config) maxImagePx() int {
	if c.MaxImagePx <= 0 {
		return 1600
	}
	return c.MaxImagePx
}

func (c Config) fetchTimeout() time.Duration {
	if c.ImageFetchTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ImageFetchTimeoutSec) * time.Second
}

func (c Config) jpegQuality() int {
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		return 85
	}
	return c.JPEGQuality
}

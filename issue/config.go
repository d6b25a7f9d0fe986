package issue

type configGetter interface {
	GetIssue() Config
}

type Config struct {
	// MaxPostsPerIssue caps content items accepted into one issue.
	MaxPostsPerIssue int `yaml:"maxPostsPerIssue"`
}

const defaultMaxPostsPerIssue = 20

func (c Config) maxPosts() int {
	if c.MaxPostsPerIssue <= 0 {
		return defaultMaxPostsPerIssue
	}
	return c.MaxPostsPerIssue
}

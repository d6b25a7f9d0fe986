package store

type Credentials struct {
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
}

type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	// Endpoint switches the client to an S3-compatible provider.
	Endpoint    string      `yaml:"endpoint"`
	Credentials Credentials `yaml:"credentials"`
}

package bucket

import "github.com/promptkit-io/activator/internal/config"

// LoadConfig loads image bucket connection settings from the environment.
func LoadConfig() Config {
	return Config{
		Endpoint:  config.GetEnvStr("IMAGE_BUCKET_ENDPOINT", "localhost:9000"),
		AccessKey: config.GetEnvStr("IMAGE_BUCKET_ACCESS_KEY", ""),
		SecretKey: config.GetEnvStr("IMAGE_BUCKET_SECRET_KEY", ""),
		UseSSL:    config.GetEnvBool("IMAGE_BUCKET_USE_SSL", false),
		Bucket:    config.GetEnvStr("IMAGE_BUCKET_NAME", "rubin-raw"),
	}
}

// Package config provides the resizer daemon's configuration. Values are
// resolved in layers: compiled-in defaults, then an optional JSON
// configuration file, then environment variables, then command line flags.
// The JSON keys match the flag names.
package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Defaults applied by New.
const (
	DefaultPort              = 3000
	DefaultMongoURI          = "mongodb://127.0.0.1:27017"
	DefaultDBName            = "resizer"
	DefaultRedisHost         = "127.0.0.1"
	DefaultRedisPort         = 6379
	DefaultQueueName         = "image-resize"
	DefaultWorkerConcurrency = 2
	DefaultMaxRequeues       = 2
	DefaultRateLimitMax      = 100
	DefaultRateLimitWindow   = 60
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
)

// Config defines the configuration of the resizer daemon. It includes json
// tags to deserialize configuration from a file using the same names that
// the flags in the command line use.
type Config struct {
	Port      int    `json:"port,omitempty"`
	Env       string `json:"env,omitempty"`
	LogLevel  string `json:"log-level,omitempty"`
	LogFormat string `json:"log-format,omitempty"`

	MongoURI string `json:"mongodb-uri,omitempty"`
	DBName   string `json:"db-name,omitempty"`

	AWSRegion          string `json:"aws-region,omitempty"`
	AWSAccessKeyID     string `json:"aws-access-key-id,omitempty"`
	AWSSecretAccessKey string `json:"aws-secret-access-key,omitempty"`
	S3Bucket           string `json:"s3-bucket,omitempty"`
	S3PublicURL        string `json:"s3-public-url,omitempty"`
	S3Endpoint         string `json:"s3-endpoint,omitempty"`

	RedisHost     string `json:"redis-host,omitempty"`
	RedisPort     int    `json:"redis-port,omitempty"`
	RedisPassword string `json:"redis-password,omitempty"`

	QueueName         string `json:"queue-name,omitempty"`
	WorkerConcurrency int    `json:"worker-concurrency,omitempty"`
	MaxRequeues       int    `json:"max-requeues,omitempty"`

	AllowedOrigins []string `json:"allowed-origins,omitempty"`
	RateLimitMax   int      `json:"rate-limit-max,omitempty"`
	// RateLimitWindow is the limiter window in seconds.
	RateLimitWindow  int    `json:"rate-limit-duration,omitempty"`
	ResizedImagePath string `json:"resized-image-path,omitempty"`
}

// New returns a Config with the compiled-in defaults.
func New() *Config {
	return &Config{
		Port:              DefaultPort,
		Env:               DefaultEnv,
		LogLevel:          DefaultLogLevel,
		MongoURI:          DefaultMongoURI,
		DBName:            DefaultDBName,
		RedisHost:         DefaultRedisHost,
		RedisPort:         DefaultRedisPort,
		QueueName:         DefaultQueueName,
		WorkerConcurrency: DefaultWorkerConcurrency,
		MaxRequeues:       DefaultMaxRequeues,
		RateLimitMax:      DefaultRateLimitMax,
		RateLimitWindow:   DefaultRateLimitWindow,
	}
}

// InstallFlags adds command-line flags for every option to the given
// FlagSet, bound to conf's current values.
func (conf *Config) InstallFlags(flags *pflag.FlagSet) {
	flags.IntVar(&conf.Port, "port", conf.Port, "Port the HTTP server listens on")
	flags.StringVar(&conf.Env, "env", conf.Env, `Runtime environment ("development"|"production"|"test")`)
	flags.StringVar(&conf.LogLevel, "log-level", conf.LogLevel, `Set the logging level ("debug"|"info"|"warn"|"error"|"fatal")`)
	flags.StringVar(&conf.LogFormat, "log-format", conf.LogFormat, `Set the logging format ("text"|"json")`)
	flags.StringVar(&conf.MongoURI, "mongodb-uri", conf.MongoURI, "Metadata store connection URI")
	flags.StringVar(&conf.DBName, "db-name", conf.DBName, "Metadata store database name")
	flags.StringVar(&conf.AWSRegion, "aws-region", conf.AWSRegion, "Object store region")
	flags.StringVar(&conf.AWSAccessKeyID, "aws-access-key-id", conf.AWSAccessKeyID, "Object store access key id")
	flags.StringVar(&conf.AWSSecretAccessKey, "aws-secret-access-key", conf.AWSSecretAccessKey, "Object store secret access key")
	flags.StringVar(&conf.S3Bucket, "s3-bucket", conf.S3Bucket, "Object store bucket holding originals and variants")
	flags.StringVar(&conf.S3PublicURL, "s3-public-url", conf.S3PublicURL, "Public base URL redirects point at")
	flags.StringVar(&conf.S3Endpoint, "s3-endpoint", conf.S3Endpoint, "Custom object store endpoint (for S3-compatible stores)")
	flags.StringVar(&conf.RedisHost, "redis-host", conf.RedisHost, "Job broker host")
	flags.IntVar(&conf.RedisPort, "redis-port", conf.RedisPort, "Job broker port")
	flags.StringVar(&conf.RedisPassword, "redis-password", conf.RedisPassword, "Job broker password")
	flags.StringVar(&conf.QueueName, "queue-name", conf.QueueName, "Render queue name")
	flags.IntVar(&conf.WorkerConcurrency, "worker-concurrency", conf.WorkerConcurrency, "Concurrent renders per worker process")
	flags.IntVar(&conf.MaxRequeues, "max-requeues", conf.MaxRequeues, "Full retry cycles granted to a failed record")
	flags.StringSliceVar(&conf.AllowedOrigins, "allowed-origins", conf.AllowedOrigins, "CORS origins allowed to call the API")
	flags.IntVar(&conf.RateLimitMax, "rate-limit-max", conf.RateLimitMax, "Requests allowed per client per window")
	flags.IntVar(&conf.RateLimitWindow, "rate-limit-duration", conf.RateLimitWindow, "Rate limit window in seconds")
	flags.StringVar(&conf.ResizedImagePath, "resized-image-path", conf.ResizedImagePath, "Request path prefix that is refused to avoid redirect loops")
}

// LoadFile overlays conf with the JSON configuration at path. A missing
// file is an error; pass an empty path to skip file loading.
func (conf *Config) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "unable to read configuration file")
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(conf); err != nil {
		return errors.Wrapf(err, "unable to parse configuration file %s", path)
	}
	return nil
}

// envString overlays dst with the first set variable of names.
func envString(dst *string, names ...string) {
	for _, name := range names {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
			return
		}
	}
}

func envInt(dst *int, name string) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Wrapf(err, "invalid value %q for %s", v, name)
	}
	*dst = n
	return nil
}

// LoadEnv overlays conf with the process environment.
func (conf *Config) LoadEnv() error {
	if err := envInt(&conf.Port, "APP_PORT"); err != nil {
		return err
	}
	envString(&conf.Env, "APP_ENV", "NODE_ENV")
	envString(&conf.LogLevel, "LOG_LEVEL")
	envString(&conf.LogFormat, "LOG_FORMAT")
	envString(&conf.MongoURI, "MONGODB_URI")
	envString(&conf.DBName, "DB_NAME")
	envString(&conf.AWSRegion, "AWS_REGION")
	envString(&conf.AWSAccessKeyID, "AWS_ACCESS_KEY_ID")
	envString(&conf.AWSSecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	envString(&conf.S3Bucket, "S3_BUCKET_NAME")
	envString(&conf.S3PublicURL, "S3_PUBLIC_URL")
	envString(&conf.S3Endpoint, "S3_ENDPOINT")
	envString(&conf.RedisHost, "REDIS_HOST")
	if err := envInt(&conf.RedisPort, "REDIS_PORT"); err != nil {
		return err
	}
	envString(&conf.RedisPassword, "REDIS_PASSWORD")
	envString(&conf.QueueName, "QUEUE_NAME")
	if err := envInt(&conf.WorkerConcurrency, "WORKER_CONCURRENCY"); err != nil {
		return err
	}
	if err := envInt(&conf.MaxRequeues, "MAX_REQUEUES"); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		conf.AllowedOrigins = splitOrigins(v)
	}
	if err := envInt(&conf.RateLimitMax, "RATE_LIMIT_MAX"); err != nil {
		return err
	}
	if err := envInt(&conf.RateLimitWindow, "RATE_LIMIT_DURATION"); err != nil {
		return err
	}
	envString(&conf.ResizedImagePath, "RESIZED_IMAGE_PATH")
	return nil
}

func splitOrigins(v string) []string {
	var out []string
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RedisAddr returns the broker address in host:port form.
func (conf *Config) RedisAddr() string {
	return net.JoinHostPort(conf.RedisHost, strconv.Itoa(conf.RedisPort))
}

// RateLimitPeriod returns the limiter window as a duration.
func (conf *Config) RateLimitPeriod() time.Duration {
	return time.Duration(conf.RateLimitWindow) * time.Second
}

// IsProduction reports whether the daemon runs with the production
// environment profile.
func (conf *Config) IsProduction() bool {
	return conf.Env == "production"
}

// Validate performs semantic validation of the merged configuration and
// returns the first problem found.
func Validate(conf *Config) error {
	if conf.Port < 1 || conf.Port > 65535 {
		return errors.Errorf("invalid port: %d", conf.Port)
	}
	switch conf.Env {
	case "development", "production", "test":
	default:
		return errors.Errorf("invalid env %q: must be development, production or test", conf.Env)
	}
	if conf.MongoURI == "" {
		return errors.New("mongodb-uri is required")
	}
	if conf.DBName == "" {
		return errors.New("db-name is required")
	}
	if conf.S3Bucket == "" {
		return errors.New("s3-bucket is required")
	}
	if conf.S3PublicURL == "" {
		return errors.New("s3-public-url is required")
	}
	if conf.RedisHost == "" || conf.RedisPort < 1 || conf.RedisPort > 65535 {
		return errors.Errorf("invalid job broker address %s", conf.RedisAddr())
	}
	if conf.QueueName == "" {
		return errors.New("queue-name is required")
	}
	// Zero runs the process as an API edge with no render worker.
	if conf.WorkerConcurrency < 0 {
		return errors.Errorf("invalid worker-concurrency: %d", conf.WorkerConcurrency)
	}
	if conf.MaxRequeues < 0 {
		return errors.Errorf("invalid max-requeues: %d", conf.MaxRequeues)
	}
	if conf.RateLimitMax < 0 || conf.RateLimitWindow < 1 {
		return errors.Errorf("invalid rate limit: %d per %ds", conf.RateLimitMax, conf.RateLimitWindow)
	}
	if conf.ResizedImagePath != "" && !strings.HasPrefix(conf.ResizedImagePath, "/") {
		return errors.Errorf("resized-image-path must start with a slash: %q", conf.ResizedImagePath)
	}
	return nil
}

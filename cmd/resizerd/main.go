package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/saa-hil/image-resizer/daemon/config"
)

// version is overridden at build time through -ldflags.
var version = "dev"

type daemonOptions struct {
	version      bool
	configFile   string
	daemonConfig *config.Config
	flags        *pflag.FlagSet
}

func newDaemonCommand() *cobra.Command {
	opts := &daemonOptions{
		daemonConfig: config.New(),
	}

	cmd := &cobra.Command{
		Use:           "resizerd [OPTIONS]",
		Short:         "A daemon that renders and serves image variants on demand.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags = cmd.Flags()
			return runDaemon(opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&opts.version, "version", "v", false, "Print version information and quit")
	flags.StringVar(&opts.configFile, "config-file", "", "Daemon configuration file")
	opts.daemonConfig.InstallFlags(flags)

	return cmd
}

func runDaemon(opts *daemonOptions) error {
	if opts.version {
		showVersion()
		return nil
	}

	conf, err := loadDaemonConfig(opts)
	if err != nil {
		return err
	}

	return newDaemonCLI(conf).start()
}

// loadDaemonConfig assembles the effective configuration. Values layer
// in increasing precedence: defaults, configuration file, environment,
// command line flags.
func loadDaemonConfig(opts *daemonOptions) (*config.Config, error) {
	// InstallFlags bound the flag set to opts.daemonConfig, so it holds
	// defaults plus whatever was passed on the command line. Keep that
	// aside, overlay file and environment on fresh defaults, then put
	// the changed flags back on top.
	flagged := *opts.daemonConfig
	flagged.AllowedOrigins = append([]string(nil), opts.daemonConfig.AllowedOrigins...)

	conf := config.New()
	if err := conf.LoadFile(opts.configFile); err != nil {
		return nil, err
	}
	if err := conf.LoadEnv(); err != nil {
		return nil, err
	}

	opts.flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			conf.Port = flagged.Port
		case "env":
			conf.Env = flagged.Env
		case "log-level":
			conf.LogLevel = flagged.LogLevel
		case "log-format":
			conf.LogFormat = flagged.LogFormat
		case "mongodb-uri":
			conf.MongoURI = flagged.MongoURI
		case "db-name":
			conf.DBName = flagged.DBName
		case "aws-region":
			conf.AWSRegion = flagged.AWSRegion
		case "aws-access-key-id":
			conf.AWSAccessKeyID = flagged.AWSAccessKeyID
		case "aws-secret-access-key":
			conf.AWSSecretAccessKey = flagged.AWSSecretAccessKey
		case "s3-bucket":
			conf.S3Bucket = flagged.S3Bucket
		case "s3-public-url":
			conf.S3PublicURL = flagged.S3PublicURL
		case "s3-endpoint":
			conf.S3Endpoint = flagged.S3Endpoint
		case "redis-host":
			conf.RedisHost = flagged.RedisHost
		case "redis-port":
			conf.RedisPort = flagged.RedisPort
		case "redis-password":
			conf.RedisPassword = flagged.RedisPassword
		case "queue-name":
			conf.QueueName = flagged.QueueName
		case "worker-concurrency":
			conf.WorkerConcurrency = flagged.WorkerConcurrency
		case "max-requeues":
			conf.MaxRequeues = flagged.MaxRequeues
		case "allowed-origins":
			conf.AllowedOrigins = flagged.AllowedOrigins
		case "rate-limit-max":
			conf.RateLimitMax = flagged.RateLimitMax
		case "rate-limit-duration":
			conf.RateLimitWindow = flagged.RateLimitWindow
		case "resized-image-path":
			conf.ResizedImagePath = flagged.ResizedImagePath
		}
	})

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func showVersion() {
	fmt.Printf("resizerd version %s\n", version)
}

func main() {
	cmd := newDaemonCommand()
	cmd.SetOut(os.Stdout)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

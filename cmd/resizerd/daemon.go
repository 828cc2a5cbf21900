package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/saa-hil/image-resizer/api/server"
	"github.com/saa-hil/image-resizer/api/server/middleware"
	"github.com/saa-hil/image-resizer/api/server/router/image"
	"github.com/saa-hil/image-resizer/api/server/router/system"
	"github.com/saa-hil/image-resizer/daemon"
	"github.com/saa-hil/image-resizer/daemon/config"
	"github.com/saa-hil/image-resizer/daemon/objectstore/s3store"
	"github.com/saa-hil/image-resizer/daemon/resize"
	"github.com/saa-hil/image-resizer/daemon/variant/mongostore"
	"github.com/saa-hil/image-resizer/pkg/jobqueue"
	"github.com/saa-hil/image-resizer/pkg/schedlatency"
)

const (
	// httpDrainTimeout bounds how long in-flight API requests may run
	// during shutdown.
	httpDrainTimeout = 15 * time.Second
	// workerDrainTimeout bounds how long in-flight render jobs may run
	// during shutdown. Individual jobs are already bounded by their
	// step budgets.
	workerDrainTimeout = 3 * time.Minute
)

type daemonCLI struct {
	conf *config.Config
}

func newDaemonCLI(conf *config.Config) *daemonCLI {
	return &daemonCLI{conf: conf}
}

// start wires stores, queue, worker, monitor and the API together and
// blocks until a signal or a fatal server error tears it down.
func (cli *daemonCLI) start() error {
	if err := configureLogging(cli.conf); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := cli.conf

	mongoClient, err := mongostore.Connect(ctx, conf.MongoURI)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongoClient.Disconnect(context.WithoutCancel(ctx)); err != nil {
			log.G(ctx).WithError(err).Warn("error disconnecting metadata store")
		}
	}()

	store, err := mongostore.New(ctx, mongoClient, conf.DBName)
	if err != nil {
		return err
	}
	log.G(ctx).WithField("db", conf.DBName).Info("metadata store connected")

	objects, err := s3store.New(ctx, s3store.Config{
		Region:          conf.AWSRegion,
		Bucket:          conf.S3Bucket,
		Endpoint:        conf.S3Endpoint,
		AccessKeyID:     conf.AWSAccessKeyID,
		SecretAccessKey: conf.AWSSecretAccessKey,
	})
	if err != nil {
		return err
	}
	log.G(ctx).WithField("bucket", conf.S3Bucket).Info("object store ready")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr(),
		Password: conf.RedisPassword,
	})
	defer redisClient.Close()

	queue := jobqueue.New(redisClient, conf.QueueName, jobqueue.Options{})
	defer queue.Close()
	if err := queue.Ping(ctx); err != nil {
		return errors.Wrap(err, "error reaching job broker")
	}
	log.G(ctx).WithField("queue", conf.QueueName).Info("job broker connected")

	d, err := daemon.NewDaemon(conf, store, objects, queue)
	if err != nil {
		return err
	}

	// Concurrency 0 runs this instance as an API edge only; another
	// instance on the same queue does the rendering.
	var worker *resize.Worker
	if conf.WorkerConcurrency > 0 {
		worker = resize.NewWorker(store, objects, queue, resize.ImagingRenderer{}, resize.Config{
			Concurrency: conf.WorkerConcurrency,
			MaxRequeues: conf.MaxRequeues,
		})
		worker.Start(ctx)
	} else {
		log.G(ctx).Info("render worker disabled, serving API only")
	}

	monitor := daemon.NewMonitor(d, daemon.DefaultMonitorInterval)
	monitor.Start(ctx)

	probe := schedlatency.New()
	probe.Start(ctx)
	defer probe.Stop()

	apiServer := server.New(fmt.Sprintf(":%d", conf.Port))
	apiServer.UseMiddleware(middleware.RateLimit(conf.RateLimitMax, conf.RateLimitPeriod()))
	apiServer.UseMiddleware(middleware.CORS(conf.AllowedOrigins))
	apiServer.UseMiddleware(middleware.RequestLogger)
	apiServer.ForbidPathPrefix(conf.ResizedImagePath)
	apiServer.InitRouter(system.NewRouter(), image.NewRouter(d))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- apiServer.Serve()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.G(ctx).WithFields(log.Fields{
		"port": conf.Port,
		"env":  conf.Env,
	}).Info("daemon has completed initialization")

	select {
	case s := <-sig:
		log.G(ctx).Infof("received %s, shutting down", s)
		go func() {
			s := <-sig
			log.G(ctx).Warnf("received %s, forcing shutdown", s)
			os.Exit(1)
		}()
	case err := <-serveErr:
		cli.stop(ctx, apiServer, worker, monitor)
		return errors.Wrap(err, "API server exited")
	}

	cli.stop(ctx, apiServer, worker, monitor)
	return nil
}

// stop tears the daemon down in dependency order: the API first so no
// new work is admitted, then the worker, then the monitor. The queue,
// broker connection and stores close through the deferred handles in
// start.
func (cli *daemonCLI) stop(ctx context.Context, apiServer *server.Server, worker *resize.Worker, monitor *daemon.Monitor) {
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), httpDrainTimeout)
	defer cancelDrain()
	if err := apiServer.Shutdown(drainCtx); err != nil {
		log.G(ctx).WithError(err).Warn("error draining API server")
	}

	if worker != nil {
		workerCtx, cancelWorker := context.WithTimeout(context.WithoutCancel(ctx), workerDrainTimeout)
		defer cancelWorker()
		if err := worker.Shutdown(workerCtx); err != nil {
			log.G(ctx).WithError(err).Warn("error draining render worker")
		}
	}

	monitor.Stop()
	log.G(ctx).Info("daemon shut down")
}

func configureLogging(conf *config.Config) error {
	if err := log.SetLevel(conf.LogLevel); err != nil {
		return err
	}
	switch conf.LogFormat {
	case "json":
		return log.SetFormat(log.JSONFormat)
	case "", "text":
		return log.SetFormat(log.TextFormat)
	default:
		return errors.Errorf("unknown log format %q", conf.LogFormat)
	}
}

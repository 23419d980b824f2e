// Command sentinel-worker runs one executor process for a single language:
// it claims jobs from the language queue, executes them and writes results
// back to the broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Harshith-10/sentinel-community/broker"
	"github.com/Harshith-10/sentinel-community/cmd/sentinel-worker/config"
	"github.com/Harshith-10/sentinel-community/compilecache"
	"github.com/Harshith-10/sentinel-community/executor"
	"github.com/Harshith-10/sentinel-community/language"
	"github.com/Harshith-10/sentinel-community/types"
	"github.com/Harshith-10/sentinel-community/worker"
)

var logger *zap.Logger

func main() {
	conf := loadConf()
	initLogger(conf)
	defer logger.Sync()
	if ce := logger.Check(zap.InfoLevel, "Config loaded"); ce != nil {
		ce.Write(zap.String("config", fmt.Sprintf("%+v", conf)))
	}

	registry, err := language.Load(conf.LangDir, logger)
	if err != nil {
		logger.Fatal("Load language registry failed", zap.Error(err))
	}
	if !registry.IsSupported(conf.Language) {
		logger.Fatal("Configured language is not in the registry", zap.String("language", conf.Language))
	}

	client, err := broker.NewClient(context.Background(), conf.RedisHost, conf.RedisPort, logger)
	if err != nil {
		logger.Fatal("Connect broker failed", zap.Error(err))
	}

	cacheDir := conf.CacheDir
	if cacheDir == "" {
		cacheDir = compilecache.DefaultRoot()
	}
	cache := compilecache.New(cacheDir, logger)

	exec, err := executor.New(executor.Config{
		WorkRoot: conf.WorkDir,
		Cache:    cache,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Create executor failed", zap.Error(err))
	}

	var observer func(*types.Job, *types.ExecutionResult, time.Duration)
	if conf.EnableMetrics {
		initMetrics()
		observer = execObserve
	}

	w := worker.New(worker.Config{
		Source:      worker.NewQueueSource(client.Queue(conf.QueueName)),
		Registry:    registry,
		Runner:      exec,
		Concurrency: conf.Concurrency,
		ExecutorID:  conf.ExecutorID,
		Logger:      logger,
		Observer:    observer,
	})
	w.Start()

	servers := []initFunc{
		cleanUpWorker(w),
		cleanUpBroker(client),
		initMonitorHTTPServer(conf),
	}

	sig := make(chan os.Signal, 1+len(servers))
	stops := []stopFunc{}
	for _, s := range servers {
		start, stop := s()
		if start != nil {
			go func() {
				start()
				sig <- os.Interrupt
			}()
		}
		if stop != nil {
			stops = append(stops, stop)
		}
	}

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	logger.Info("Shutting Down...")

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*10)
	defer cancel()

	var eg errgroup.Group
	for _, s := range stops {
		eg.Go(func() error {
			return s(ctx)
		})
	}
	go func() {
		logger.Info("Shutdown Finished", zap.Error(eg.Wait()))
		cancel()
	}()
	<-ctx.Done()
}

type (
	stopFunc func(ctx context.Context) error
	initFunc func() (start func(), cleanUp stopFunc)
)

func loadConf() *config.Config {
	var conf config.Config
	if err := conf.Load(); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalln("load config failed ", err)
	}
	return &conf
}

func initLogger(conf *config.Config) {
	if conf.Silent {
		logger = zap.NewNop()
		return
	}

	var err error
	if conf.Release {
		logger, err = zap.NewProduction()
	} else {
		config := zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.Level.SetLevel(zap.InfoLevel)
		logger, err = config.Build()
	}
	if err != nil {
		log.Fatalln("init logger failed ", err)
	}
}

func cleanUpWorker(w worker.Worker) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(ctx context.Context) error {
			w.Shutdown()
			logger.Info("Worker shutdown")
			return nil
		}
	}
}

func cleanUpBroker(client *broker.Client) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		return nil, func(ctx context.Context) error {
			err := client.Close()
			logger.Info("Broker connection closed")
			return err
		}
	}
}

func initMonitorHTTPServer(conf *config.Config) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		mr := initMonitorHTTPMux(conf)
		if mr == nil {
			return nil, nil
		}
		msrv := http.Server{
			Addr:    conf.MonitorAddr,
			Handler: mr,
		}
		return func() {
				logger.Info("Starting monitoring http server", zap.String("addr", conf.MonitorAddr))
				logger.Info("Monitoring http server stopped", zap.Error(msrv.ListenAndServe()))
			}, func(ctx context.Context) error {
				logger.Info("Monitoring http server shutdown")
				return msrv.Shutdown(ctx)
			}
	}
}

func initMonitorHTTPMux(conf *config.Config) http.Handler {
	if !conf.EnableMetrics && !conf.EnableDebug {
		return nil
	}
	mux := http.NewServeMux()
	if conf.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if conf.EnableDebug {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

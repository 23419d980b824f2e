// Command sentinel-master starts the dispatcher: the HTTP front end that
// validates code-execution requests, places jobs on per-language queues and
// serves status, load and health lookups.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/Harshith-10/sentinel-community/broker"
	"github.com/Harshith-10/sentinel-community/cmd/sentinel-master/config"
	"github.com/Harshith-10/sentinel-community/dispatcher"
	"github.com/Harshith-10/sentinel-community/language"
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
	instances, err := conf.InstanceMap()
	if err != nil {
		logger.Fatal("Bad instance topology", zap.Error(err))
	}

	client, err := broker.NewClient(context.Background(), conf.RedisHost, conf.RedisPort, logger)
	if err != nil {
		logger.Fatal("Connect broker failed", zap.Error(err))
	}

	queues := dispatcher.BuildQueues(client, registry, instances)
	disp := dispatcher.New(registry, client, queues, logger)

	servers := []initFunc{
		initHTTPServer(conf, disp),
		cleanUpBroker(client),
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

	// graceful shutdown on SIGINT / SIGTERM
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)
	logger.Info("Shutting Down...")

	ctx, cancel := context.WithTimeout(context.TODO(), time.Second*3)
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

func initHTTPServer(conf *config.Config, disp *dispatcher.Dispatcher) initFunc {
	return func() (start func(), cleanUp stopFunc) {
		r := initHTTPMux(conf, disp)
		srv := http.Server{
			Addr:    fmt.Sprintf(":%d", conf.Port),
			Handler: r,
		}
		return func() {
				logger.Info("Starting http server", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); errors.Is(err, http.ErrServerClosed) {
					logger.Info("Http server stopped", zap.Error(err))
				} else {
					logger.Error("Http server stopped", zap.Error(err))
				}
			}, func(ctx context.Context) error {
				logger.Info("Http server shutting down")
				return srv.Shutdown(ctx)
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

func initHTTPMux(conf *config.Config, disp *dispatcher.Dispatcher) http.Handler {
	if conf.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginzap.Ginzap(logger, "", false))
	r.Use(ginzap.RecoveryWithZap(logger, true))
	r.Use(cors.Default())

	if conf.EnableMetrics {
		initGinMetrics(r)
	}

	disp.Register(r)
	return r
}

func initGinMetrics(r *gin.Engine) {
	p := ginprometheus.NewWithConfig(ginprometheus.Config{
		Subsystem:          "gin",
		DisableBodyReading: true,
	})
	p.ReqCntURLLabelMappingFn = func(c *gin.Context) string {
		return c.FullPath()
	}
	r.Use(p.HandlerFunc())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Package cli wires the full metrics service: broker, result cache,
// database pool, job controller, response handler and HTTP frontend, with
// configuration via flags, environment variables or a YAML file.
package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"umapi.wikimetrics.org/api"
	"umapi.wikimetrics.org/broker"
	redisbroker "umapi.wikimetrics.org/broker/redis"
	"umapi.wikimetrics.org/cache"
	"umapi.wikimetrics.org/cohorts"
	"umapi.wikimetrics.org/common"
	"umapi.wikimetrics.org/controller"
	"umapi.wikimetrics.org/metrics"
	"umapi.wikimetrics.org/responder"
	"umapi.wikimetrics.org/security"
	"umapi.wikimetrics.org/worker"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "umapi",
	Short: "asynchronous user metrics API service",
	Long: `User Metrics API Service

Serves user metric computations over cohorts of wiki users. Requests are
answered from a durable result cache when possible; everything else is
queued on a broker and computed by bounded background workers, so the
HTTP frontend never blocks on a metric run.

Endpoints:
- GET /cohorts/:cohort/:metric computes or fetches a metric result
- GET /metrics lists registered metrics and aggregators
- GET /all_requests and /job_queue (JWT) inspect the pipeline
- DELETE /job_queue/:fingerprint (JWT) drops a job
- POST /auth/token issues access tokens

Configuration can be provided via command-line flags, environment
variables, or a YAML configuration file with automatic precedence
handling.`,
	Run: runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.umapi.yaml)")

	RootCmd.PersistentFlags().String("port", "", "Server port")

	RootCmd.PersistentFlags().String("broker-backend", "", "Broker backend: file or redis")
	RootCmd.PersistentFlags().String("broker-dir", "", "Directory for file broker targets")
	RootCmd.PersistentFlags().String("redis-url", "", "Redis connection URL for the redis broker")

	RootCmd.PersistentFlags().String("cache-path", "", "Result cache database path")
	RootCmd.PersistentFlags().String("database-url", "", "PostgreSQL connection URL")

	RootCmd.PersistentFlags().Int("max-concurrent-jobs", 0, "Worker concurrency cap")
	RootCmd.PersistentFlags().Duration("job-timeout", 0, "Per-job wall-clock deadline")
	RootCmd.PersistentFlags().String("default-project", "", "Project applied when a request names none")

	RootCmd.PersistentFlags().String("jwt-secret", "", "JWT secret key")
	RootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("broker.backend", RootCmd.PersistentFlags().Lookup("broker-backend"))
	viper.BindPFlag("broker.dir", RootCmd.PersistentFlags().Lookup("broker-dir"))
	viper.BindPFlag("broker.redis_url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("cache.path", RootCmd.PersistentFlags().Lookup("cache-path"))
	viper.BindPFlag("database.url", RootCmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("jobs.max_concurrent", RootCmd.PersistentFlags().Lookup("max-concurrent-jobs"))
	viper.BindPFlag("jobs.timeout", RootCmd.PersistentFlags().Lookup("job-timeout"))
	viper.BindPFlag("jobs.default_project", RootCmd.PersistentFlags().Lookup("default-project"))
	viper.BindPFlag("jwt.secret", RootCmd.PersistentFlags().Lookup("jwt-secret"))
	viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".umapi")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).
			Info("using config file")
	}
}

// loadConfig merges viper state over the service defaults.
func loadConfig() common.ServiceConfig {
	config := common.DefaultServiceConfig()

	if v := viper.GetString("port"); v != "" {
		config.Port = v
	}
	if v := viper.GetString("broker.backend"); v != "" {
		config.BrokerBackend = v
	}
	if v := viper.GetString("broker.dir"); v != "" {
		config.BrokerDir = v
	}
	if v := viper.GetString("broker.redis_url"); v != "" {
		config.RedisURL = v
	}
	if v := viper.GetString("cache.path"); v != "" {
		config.CachePath = v
	}
	if v := viper.GetString("database.url"); v != "" {
		config.DatabaseURL = v
	}
	if v := viper.GetInt("jobs.max_concurrent"); v > 0 {
		config.MaxConcurrentJobs = v
	}
	if v := viper.GetDuration("jobs.timeout"); v > 0 {
		config.JobTimeout = v
	}
	if v := viper.GetString("jobs.default_project"); v != "" {
		config.DefaultProject = v
	}
	if v := viper.GetString("jwt.secret"); v != "" {
		config.JWTSecret = v
	}
	return config
}

func newBroker(config common.ServiceConfig) (broker.Broker, error) {
	if config.BrokerBackend == "redis" {
		return redisbroker.New(context.Background(), redisbroker.Config{RedisURL: config.RedisURL})
	}
	return broker.NewFileBroker(config.BrokerDir)
}

func runServer(cmd *cobra.Command, args []string) {
	common.SetDebug(viper.GetBool("debug"))
	config := loadConfig()

	b, err := newBroker(config)
	if err != nil {
		log.Fatalf("Failed to initialize broker: %v", err)
	}

	resultCache, err := cache.Open(config.CachePath)
	if err != nil {
		log.Fatalf("Failed to open result cache: %v", err)
	}
	defer resultCache.Close()

	pool, err := pgxpool.New(context.Background(), config.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to create database pool: %v", err)
	}
	defer pool.Close()

	store := metrics.NewSQLStore(pool)
	resolver := cohorts.NewSQLResolver(pool)
	jwtService := security.NewJWTService(config.JWTSecret)

	jobs := controller.New(controller.Config{
		Broker:            b,
		Worker:            worker.New(store, resolver, config.DefaultProject),
		MaxConcurrentJobs: config.MaxConcurrentJobs,
		JobTimeout:        config.JobTimeout,
		PollInterval:      config.PollInterval,
	})
	if err := jobs.Recover(); err != nil {
		log.Fatalf("Failed to recover abandoned jobs: %v", err)
	}

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	go jobs.Run(pipelineCtx)
	go responder.New(b, resultCache, config.PollInterval).Run(pipelineCtx)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handlers := &api.Handlers{
		Broker:         b,
		Cache:          resultCache,
		Resolver:       resolver,
		Jobs:           jobs,
		JWT:            jwtService,
		JWTSecret:      config.JWTSecret,
		DefaultProject: config.DefaultProject,
	}
	api.SetupRoutes(e, handlers)

	go func() {
		common.Logger.WithField("port", config.Port).Info("server starting")
		if err := e.Start(":" + config.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	common.Logger.Info("shutting down server")
	stopPipeline()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}

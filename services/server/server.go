package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/bastion/core/backend"
	"github.com/relabs-tech/bastion/core/backend/kss"
	"github.com/relabs-tech/bastion/core/csql"
	"github.com/relabs-tech/bastion/core/events"
	"github.com/relabs-tech/bastion/core/logger"
	"github.com/relabs-tech/bastion/core/query"
	"github.com/relabs-tech/bastion/core/session"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	Schema           string `env:"SCHEMA,default=public" description:"the database schema of the bookkeeping tables"`
	TablesFile       string `env:"TABLES_FILE,optional" description:"JSON file with the tables exposed through /data and their policies"`
	Port             string `env:"PORT,default=3000" description:"the port to listen on"`
	PublicURL        string `env:"PUBLIC_URL,optional" description:"the public URL of the service"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	LogJSON          bool   `env:"LOG_JSON,default=false" description:"log in JSON format"`

	TokenSecret   string        `env:"TOKEN_SECRET,optional" description:"secret for end user tokens, generated and stored if empty"`
	TokenTTL      time.Duration `env:"TOKEN_TTL,default=1h" description:"lifetime of end user tokens"`
	SessionTTL    time.Duration `env:"SESSION_TTL,default=24h" description:"lifetime of admin sessions"`
	AdminEmail    string        `env:"ADMIN_EMAIL,optional" description:"bootstraps an admin account with this email"`
	AdminPassword string        `env:"ADMIN_PASSWORD,optional" description:"password of the bootstrapped admin account"`

	Redis string `env:"REDIS_URL,optional" description:"redis URL for sessions and the query cache, in-memory if empty"`

	KafkaBrokers string `env:"KAFKA_BROKERS,optional" description:"comma separated Kafka brokers receiving dispatched events"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=bastion.events" description:"the Kafka topic for dispatched events"`
	WakeQueueURL string `env:"WAKE_QUEUE_URL,optional" description:"SQS queue signalled after mutations instead of the in-process dispatcher"`

	StorageDriver  string `env:"STORAGE_DRIVER,optional" description:"blob store behind /storage: Local or AWSS3, none if empty"`
	StoragePath    string `env:"STORAGE_PATH,optional" description:"folder of the Local blob store"`
	S3Bucket       string `env:"S3_BUCKET,optional" description:"bucket of the AWSS3 blob store"`
	S3Region       string `env:"S3_REGION,optional" description:"region of the AWSS3 blob store"`
	S3AccessID     string `env:"S3_ACCESS_ID,optional" description:"access key id, default credential chain if empty"`
	S3AccessKey    string `env:"S3_ACCESS_KEY,optional" description:"secret access key"`
	S3Endpoint     string `env:"S3_ENDPOINT,optional" description:"S3 compatible endpoint, e.g. minio"`
	S3KeyPrefix    string `env:"S3_KEY_PREFIX,optional" description:"prefix of all object keys"`
	DispatchWorker int    `env:"DISPATCH_WORKERS,default=4" description:"number of hooks drained concurrently"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level, service.LogJSON)
	rlog := logger.Default()
	ctx := context.Background()

	db, err := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	if err != nil {
		panic(err)
	}
	defer db.Close()

	var tables string
	if service.TablesFile != "" {
		data, err := os.ReadFile(service.TablesFile)
		if err != nil {
			panic(err)
		}
		tables = string(data)
	}

	builder := &backend.Builder{
		Config:          tables,
		DB:              db,
		Router:          mux.NewRouter(),
		UpdateSchema:    true,
		PublicURL:       service.PublicURL,
		TokenSecret:     []byte(service.TokenSecret),
		TokenTTL:        service.TokenTTL,
		SessionTTL:      service.SessionTTL,
		AdminEmail:      service.AdminEmail,
		AdminPassword:   service.AdminPassword,
		DispatchWorkers: service.DispatchWorker,
		KssConfiguration: kss.Configuration{
			DriverType:         kss.DriverType(service.StorageDriver),
			LocalConfiguration: &kss.LocalConfiguration{BasePath: service.StoragePath},
			S3Configuration: &kss.S3Configuration{
				AWSBucketName: service.S3Bucket,
				AWSRegion:     service.S3Region,
				AccessID:      service.S3AccessID,
				AccessKey:     service.S3AccessKey,
				Endpoint:      service.S3Endpoint,
				KeyPrefix:     service.S3KeyPrefix,
			},
		},
	}

	if service.Redis != "" {
		options, err := redis.ParseURL(service.Redis)
		if err != nil {
			panic(err)
		}
		client := redis.NewClient(options)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			panic(err)
		}
		builder.Sessions = session.NewRedisStore(client, "bastion:session:")
		builder.QueryCache = query.NewRedisCache(client, "bastion:query:")
		rlog.Infoln("sessions and query cache in redis")
	} else {
		builder.QueryCache = query.NewMemoryCache()
	}

	if service.KafkaBrokers != "" {
		builder.EventSink = events.NewKafkaSink(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		rlog.Infoln("dispatched events go to kafka topic", service.KafkaTopic)
	}

	if service.WakeQueueURL != "" {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			panic(err)
		}
		builder.Waker = events.NewSQSWaker(sqs.NewFromConfig(awsConfig), service.WakeQueueURL)
		rlog.Infoln("mutations wake the drainer through", service.WakeQueueURL)
	}

	b := backend.New(builder)
	if err := b.Start(); err != nil {
		panic(err)
	}

	srv := &http.Server{
		Addr:              ":" + service.Port,
		Handler:           b.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		rlog.Infoln("listen on port", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatal("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	rlog.Infoln("shutting down")
	shutdown, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		rlog.WithError(err).Warnln("shutdown")
	}
	if err := b.Close(); err != nil {
		rlog.WithError(err).Warnln("close")
	}
}

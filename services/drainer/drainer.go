// Command drainer is a lambda function triggered by the wake queue servers
// signal after mutations. It asks a server to drain the event queue, so
// realtime delivery stays with the process holding the websocket clients.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/go-resty/resty/v2"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/bastion/core/logger"
)

// Service holds the configuration for this function
type Service struct {
	ServerURL string        `env:"SERVER_URL,required" description:"base URL of a bastion server"`
	APIKey    string        `env:"API_KEY,required" description:"API key with scope admin:write"`
	Timeout   time.Duration `env:"TIMEOUT,default=30s" description:"timeout of one drain request"`
	LogLevel  string        `env:"LOG_LEVEL,default=info" description:"the log level"`
}

type drainResponse struct {
	Dispatched int `json:"dispatched"`
}

type drainer struct {
	client *resty.Client
}

func newDrainer(service *Service) *drainer {
	client := resty.New().
		SetBaseURL(service.ServerURL).
		SetAuthToken(service.APIKey).
		SetTimeout(service.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &drainer{client: client}
}

// handle drains once per batch. Wake messages carry no data, so any number
// of them collapses into one drain.
func (d *drainer) handle(ctx context.Context, event events.SQSEvent) error {
	rlog := logger.FromContext(ctx)
	var result drainResponse
	res, err := d.client.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/admin/events/drain")
	if err != nil {
		return err
	}
	if res.IsError() {
		// failing the batch makes SQS redeliver the wake signal
		return fmt.Errorf("drain returned %s: %s", res.Status(), res.String())
	}
	rlog.Infof("drained %d events after %d wake signals", result.Dispatched, len(event.Records))
	return nil
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
	logger.InitLogger(level, true)
	lambda.Start(newDrainer(service).handle)
}

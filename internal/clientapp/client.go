package clientapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/client"
	"github.com/fr3shw3b/seqstream/pkg/config"
	"github.com/fr3shw3b/seqstream/pkg/events"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// RunParams are the values taken from the command line. A zero total
// leaves the configured one in place.
type RunParams struct {
	ServerHost string
	ServerPort int
	Transport  string
	ClientID   string
	Total      int64
}

func Run(params RunParams) error {
	envErr := godotenv.Load(".env.client")
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Fatal("Failed to load environment variables: ", envErr)
	}

	conf, err := config.LoadForClient()
	if err != nil {
		log.Fatal("Failed to load configuration for client: ", err)
	}
	if params.Total > 0 {
		conf.TransferTotal = params.Total
	}
	if err := conf.Validate(); err != nil {
		log.Fatal("Invalid configuration for client: ", err)
	}
	if !wire.ValidTransport(params.Transport) {
		log.Fatal("Unsupported transport: ", params.Transport)
	}

	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logLevel, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	if envErr != nil {
		logger.Warn("no .env.client file found, using the environment as is")
	}

	sinks := []events.Sink{events.NewLogSink(logger)}
	if conf.EventLogDir != "" {
		csvSink, err := events.NewCSVSink(conf.EventLogDir)
		if err != nil {
			return err
		}
		sinks = append(sinks, csvSink)
	}
	dispatcher := events.NewDispatcher(&events.DispatcherParams{BufferSize: conf.EventBuffer}, logger, sinks...)

	space, _ := sequence.NewSpace(conf.SequenceChunk, conf.SequenceLimit)
	clientInstance := client.NewDefaultClient(
		&client.ClientParams{
			ServerHost:           params.ServerHost,
			ServerPort:           params.ServerPort,
			Transport:            params.Transport,
			ClientID:             params.ClientID,
			Space:                space,
			Total:                conf.TransferTotal,
			InitialWindow:        conf.WindowInitial,
			WindowCap:            conf.WindowCap,
			LossProbability:      conf.LossProbability,
			AckTimeout:           time.Duration(conf.AckTimeoutMS) * time.Millisecond,
			HandshakeTimeout:     time.Duration(conf.HandshakeTimeoutMS) * time.Millisecond,
			MaxReconnectAttempts: conf.MaxReconnectAttempts,
			InitialBackoff:       time.Duration(conf.InitialBackoffMS) * time.Millisecond,
			MaxBackoff:           time.Duration(conf.MaxBackoffS) * time.Second,
		},
		dispatcher,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectErr := clientInstance.Connect(ctx)
	if err := dispatcher.Close(); err != nil {
		logger.WithError(err).Error("failed to close event sinks")
	}

	printResult(clientInstance.Result(), conf.TransferTotal)
	return connectErr
}

func printResult(result client.Result, total int64) {
	fmt.Print("Result\n____________\n\n\n")
	fmt.Printf("Client ID: %s\n", result.ClientID)
	fmt.Printf("Sent: %d of %d\n", result.Sent, total)
	fmt.Printf("Transmission attempts: %d\n", result.Attempts)
	fmt.Printf("Acknowledgements: %d\n", result.Acks)
	fmt.Printf("Dropped: %d\n", result.Drops)
	for tier, count := range result.RetryTiers {
		fmt.Printf("Retry tier %d: %d\n", tier+1, count)
	}
	fmt.Printf("Still waiting for retry: %d\n", result.RetryPending)
	if result.Attempts > 0 {
		fmt.Printf("Efficiency: %.4f\n", float64(result.Sent)/float64(result.Attempts))
	}
	fmt.Printf("Final window: %d\n", result.Window)
	fmt.Printf("Reconnects: %d\n", result.Reconnects)
	fmt.Printf("Completed: %v\n", result.Completed)
	fmt.Printf("Interrupted: %v\n", result.Interrupted)
	fmt.Printf("Elapsed: %s\n", result.Elapsed.Round(time.Millisecond))
	if result.Error != nil {
		fmt.Printf("Error: %s\n", result.Error)
	}
}

package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fr3shw3b/seqstream/pkg/config"
	"github.com/fr3shw3b/seqstream/pkg/events"
	"github.com/fr3shw3b/seqstream/pkg/sequence"
	"github.com/fr3shw3b/seqstream/pkg/server"
	"github.com/fr3shw3b/seqstream/pkg/sessions"
	"github.com/fr3shw3b/seqstream/pkg/wire"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

func Run(port int, transport string, statsPort int) error {
	envErr := godotenv.Load(".env.server")
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		log.Fatal("Failed to load environment variables: ", envErr)
	}

	conf, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration for server: ", err)
	}
	if err := conf.Validate(); err != nil {
		log.Fatal("Invalid configuration for server: ", err)
	}
	if !wire.ValidTransport(transport) {
		log.Fatal("Unsupported transport: ", transport)
	}

	logger := createLogger(conf.LogLevel)
	if envErr != nil {
		logger.Warn("no .env.server file found, using the environment as is")
	}

	space, _ := sequence.NewSpace(conf.SequenceChunk, conf.SequenceLimit)
	dispatcher, err := createDispatcher(conf.EventLogDir, conf.EventBuffer, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.WithError(err).Error("failed to close event sinks")
		}
	}()

	store := sessions.NewInMemoryStore(
		&sessions.InMemoryStoreParams{
			ExpireAfterIdleTime: time.Duration(conf.SessionStateIdleTimeExpiry) * time.Second,
		},
		logger,
	)

	manager := server.NewSessionManager(
		&server.ServerParams{
			Space:            space,
			Total:            conf.TransferTotal,
			ReadTimeout:      time.Duration(conf.ReadTimeoutMS) * time.Millisecond,
			MaxIdlePolls:     conf.MaxIdlePolls,
			HandshakeTimeout: time.Duration(conf.HandshakeTimeoutMS) * time.Millisecond,
			InitialWidth:     conf.ReceiveWidthInitial,
			MinWidth:         conf.ReceiveWidthMin,
			MaxWidth:         conf.ReceiveWidthMax,
		},
		store,
		dispatcher,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go manager.Heartbeat(ctx, time.Duration(conf.HeartbeatIntervalS)*time.Second)

	start := time.Now()
	switch transport {
	case wire.TransportWebSocket:
		err = serveHTTP(ctx, port, manager.Router(ctx), logger)
	default:
		err = serveTCP(ctx, port, statsPort, manager, logger)
	}

	manager.Wait()
	printSummary(store.Stats(), dispatcher.Dropped(), time.Since(start))
	return err
}

func serveTCP(ctx context.Context, port int, statsPort int, manager *server.SessionManager, logger *logrus.Logger) error {
	listener, err := wire.ListenTCP(fmt.Sprintf(":%d", port))
	if err != nil {
		// Without its listening endpoint the server has nothing to do.
		log.Fatal("Failed to bind: ", err)
	}

	if statsPort > 0 {
		go func() {
			if err := serveHTTP(ctx, statsPort, manager.StatsRouter(), logger); err != nil {
				logger.WithError(err).Error("stats endpoint stopped")
			}
		}()
	}

	logger.Infof("Server listening for TCP connections on port %d ...", port)
	return manager.Serve(ctx, listener)
}

func serveHTTP(ctx context.Context, port int, handler http.Handler, logger *logrus.Logger) error {
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Server listening for HTTP on port %d ...", port)
	err := httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func createDispatcher(dir string, buffer int, logger *logrus.Logger) (*events.Dispatcher, error) {
	sinks := []events.Sink{events.NewLogSink(logger)}
	if dir != "" {
		csvSink, err := events.NewCSVSink(dir)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, csvSink)
	}
	return events.NewDispatcher(&events.DispatcherParams{BufferSize: buffer}, logger, sinks...), nil
}

func createLogger(level string) *logrus.Logger {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02T15:04:05.999999999Z07:00"
	customFormatter.FullTimestamp = true
	logger := logrus.New()
	logger.SetFormatter(customFormatter)
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}

func printSummary(stats sessions.Stats, droppedEvents int64, elapsed time.Duration) {
	fmt.Print("Summary\n____________\n\n\n")
	fmt.Printf("Identifiers accepted: %d\n", stats.Accepted)
	fmt.Printf("Transfers completed: %d\n", stats.Completed)
	fmt.Printf("Sessions parked: %d\n", stats.Parked)
	fmt.Printf("Mean efficiency: %.4f\n", stats.MeanEfficiency)
	fmt.Printf("Events dropped: %d\n", droppedEvents)
	fmt.Printf("Elapsed: %s\n", elapsed.Round(time.Millisecond))
}

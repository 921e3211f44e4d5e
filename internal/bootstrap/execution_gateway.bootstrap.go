package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/krobus00/execution-service/internal/config"
	"github.com/krobus00/execution-service/internal/constant"
	"github.com/krobus00/execution-service/internal/entity"
	httpHandler "github.com/krobus00/execution-service/internal/handler/execution/http"
	"github.com/krobus00/execution-service/internal/infrastructure"
	"github.com/krobus00/execution-service/internal/repository"
	"github.com/krobus00/execution-service/internal/service/broker"
	"github.com/krobus00/execution-service/internal/service/execution"
	"github.com/krobus00/execution-service/internal/service/locker"
	"github.com/krobus00/execution-service/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func StartExecutionGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanups := make(map[string]operation)

	var redisClient *redis.Client
	if config.Env.Lock.Driver == constant.LockDriverRedis {
		var err error
		redisClient, err = infrastructure.NewRedisClient(ctx, config.Env.Redis["lock"].CacheDSN)
		util.ContinueOrFatal(err)

		cleanups["redis"] = func(ctx context.Context) error {
			return redisClient.Close()
		}
	}

	tradeLocker, err := locker.NewTradeLocker(config.Env.Lock, redisClient)
	util.ContinueOrFatal(err)

	symbolMapping := entity.VenueSymbolMapping{}
	executionDBConfig := config.Env.Database["execution"]
	if config.Env.Broker.Driver == constant.BrokerDriverRemote && strings.TrimSpace(executionDBConfig.DSN) != "" {
		executionDB, err := infrastructure.NewPostgresConnection(ctx, executionDBConfig)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, executionDB, executionDBConfig.PingInterval)

		symbolMappingRepo := repository.NewSymbolMappingRepository(executionDB)
		symbolMapping, err = symbolMappingRepo.GetByExchange(ctx, config.Env.Broker.Remote.Name)
		util.ContinueOrFatal(err)

		cleanups["execution database"] = func(ctx context.Context) error {
			return executionDB.Close()
		}
	}

	venue, err := broker.NewBroker(config.Env.Broker, symbolMapping)
	util.ContinueOrFatal(err)

	executionService := execution.NewExecutionService(config.Env.Execution, venue, tradeLocker)
	err = executionService.Start(ctx)
	util.ContinueOrFatal(err)

	cleanups["execution gateway"] = func(ctx context.Context) error {
		cancel()
		return executionService.Stop(ctx)
	}

	syncService := execution.NewExecutionSyncService(venue, executionService, config.Env.Execution.SyncInterval)
	go syncService.Run(ctx)

	if strings.TrimSpace(config.Env.NatsJetstream.URL) != "" {
		nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream)
		util.ContinueOrFatal(err)

		forwarder := execution.NewJetstreamEventForwarder(
			js,
			executionService,
			config.Env.NatsJetstream.TimeoutHandler["submit_execution"],
			config.Env.NatsJetstream.MaxRetries,
		)

		publishers := make([]entity.Publisher, 0)
		publishers = append(publishers, forwarder)
		for _, v := range publishers {
			err = v.JetstreamEventInit(ctx)
			util.ContinueOrFatal(err)
		}

		subscribers := make([]entity.Subscriber, 0)
		subscribers = append(subscribers, forwarder)
		for _, v := range subscribers {
			err = v.JetstreamEventSubscribe(ctx)
			util.ContinueOrFatal(err)
		}

		cleanups["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		}
	} else {
		logrus.Warn("nats_jetstream.url is empty, jetstream ingress and event fan-out disabled")
	}

	executionHTTPHandler := httpHandler.NewExecutionHTTPHandler(executionService, config.Env.APIKeys)
	httpMux := http.NewServeMux()
	infrastructure.RegisterHealthCheck(httpMux)
	executionHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["execution_gateway_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	cleanups["http"] = func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, cleanups)

	<-wait
}

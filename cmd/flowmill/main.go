package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/flowmill/flowmill/internal/config"
	"github.com/flowmill/flowmill/internal/otel"
	"github.com/flowmill/flowmill/internal/profile"
	"github.com/flowmill/flowmill/internal/rest"
	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/script/js"
	"github.com/flowmill/flowmill/pkg/storage/inmemory"
)

func main() {
	profile.InitProfile()
	logger := hclog.Default().Named("flowmill")

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Name, conf.Tracing)
	if err != nil {
		logger.Error("failed to set up otel", "error", err)
		os.Exit(1)
	}

	scripts := js.NewJsRuntime(appContext, conf.Engine.ScriptPoolMax, conf.Engine.ScriptPoolMin)

	flowmill := engine.NewEngine(
		engine.EngineWithName(conf.Name),
		engine.EngineWithLogger(logger.Named("engine")),
		engine.EngineWithStorage(inmemory.NewStorage()),
		engine.EngineWithScriptRuntime(scripts),
		engine.EngineWithPolicies(conf.Policies),
		engine.EngineWithWorkers(conf.Engine.Workers, conf.Engine.QueueSize),
		engine.EngineWithTimeoutSweep(conf.Engine.SweepInterval, 100),
		engine.EngineWithExporter(otel.MetricsExporter{}),
	)
	flowmill.Start()

	svr := rest.NewServer(flowmill, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-appStop
	logger.Info("received signal, shutting down", "signal", sig.String())

	ctxCancel()
	svr.Stop(appContext)
	flowmill.Stop()
	openTelemetry.Stop(appContext)
}

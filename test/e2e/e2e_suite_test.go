package e2e

import (
	"context"
	"os"
	"testing"

	"github.com/flowmill/flowmill/internal/config"
	"github.com/flowmill/flowmill/internal/otel"
	"github.com/flowmill/flowmill/internal/rest"
	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/script/js"
	"github.com/flowmill/flowmill/pkg/storage/inmemory"
)

var app Application

func TestMain(m *testing.M) {
	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.Config{Name: "flowmill-e2e"}
	conf.Server.Addr = "127.0.0.1:0"

	openTelemetry, err := otel.SetupOtel(conf.Name, conf.Tracing)
	if err != nil {
		panic(err)
	}

	flowmill := engine.NewEngine(
		engine.EngineWithName(conf.Name),
		engine.EngineWithStorage(inmemory.NewStorage()),
		engine.EngineWithScriptRuntime(js.NewJsRuntime(appContext, 2, 1)),
	)
	flowmill.Start()

	svr := rest.NewServer(flowmill, conf)
	listener := svr.Start()
	app = Application{
		httpAddr: "http://" + listener.Addr().String(),
		engine:   flowmill,
	}

	code := m.Run()

	svr.Stop(appContext)
	flowmill.Stop()
	openTelemetry.Stop(appContext)
	ctxCancel()
	os.Exit(code)
}

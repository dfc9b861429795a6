// Package config loads the node configuration from a yaml file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/flowmill/flowmill/pkg/engine"
)

type Config struct {
	// Name identifies the node in logs, traces and metrics.
	Name    string  `yaml:"name" json:"name" env:"NODE_NAME" env-default:"flowmill"`
	Server  Server  `yaml:"server" json:"server"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	// Policies configures the retry/timeout hierarchy per process id.
	Policies engine.PolicyConfig `yaml:"policies" json:"policies"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
	// TransferHeaders are copied from incoming requests onto spans.
	TransferHeaders []string `yaml:"transferHeaders" json:"transferHeaders"`
}

type Engine struct {
	Workers       int           `yaml:"workers" json:"workers" env:"ENGINE_WORKERS" env-default:"4"`
	QueueSize     int           `yaml:"queueSize" json:"queueSize" env:"ENGINE_QUEUE_SIZE" env-default:"256"`
	SweepInterval time.Duration `yaml:"sweepInterval" json:"sweepInterval" env:"ENGINE_SWEEP_INTERVAL" env-default:"1m"`
	ScriptPoolMin int           `yaml:"scriptPoolMin" json:"scriptPoolMin" env:"ENGINE_SCRIPT_POOL_MIN" env-default:"1"`
	ScriptPoolMax int           `yaml:"scriptPoolMax" json:"scriptPoolMax" env:"ENGINE_SCRIPT_POOL_MAX" env-default:"8"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}

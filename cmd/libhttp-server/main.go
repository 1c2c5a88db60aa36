// Command libhttp-server runs a demo server over the libhttp core: it
// loads a YAML config, sets up zap logging with rotation and serves a few
// sample routes over HTTP/1.1 and HTTP/2.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/avakar/libhttp/internal/httpdate"
	"github.com/avakar/libhttp/internal/transport"
	"github.com/avakar/libhttp/pkg/libhttp"
)

type config struct {
	Addr         string `yaml:"addr"`
	Multicore    bool   `yaml:"multicore"`
	NumEventLoop int    `yaml:"num_event_loop"`
	ReusePort    bool   `yaml:"reuse_port"`
	Workers      int    `yaml:"workers"`
	EnableH1     bool   `yaml:"enable_h1"`
	EnableH2     bool   `yaml:"enable_h2"`

	Log struct {
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

func defaultConfig() config {
	c := config{
		Addr:      ":8080",
		Multicore: true,
		EnableH1:  true,
		EnableH2:  true,
	}
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	return c
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func newLogger(cfg config) (*zap.Logger, error) {
	if cfg.Log.File == "" {
		return zap.NewProduction()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, sink, zap.InfoLevel)), nil
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	stopDate := httpdate.StartTicker()
	defer stopDate()

	handler := libhttp.Chain(
		libhttp.Recovery(),
		libhttp.Logging(zap.NewStdLog(logger)),
		libhttp.RequestID(),
		libhttp.DateHeader(),
		libhttp.Metrics(),
		libhttp.Compress(),
	)(route)

	server, err := transport.NewServer(handler, transport.Config{
		Addr:         cfg.Addr,
		Multicore:    cfg.Multicore,
		NumEventLoop: cfg.NumEventLoop,
		ReusePort:    cfg.ReusePort,
		Logger:       zap.NewStdLog(logger),
		Workers:      cfg.Workers,
		EnableH1:     cfg.EnableH1,
		EnableH2:     cfg.EnableH2,
	})
	if err != nil {
		logger.Fatal("creating server", zap.Error(err))
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		_ = server.Stop(context.Background())
	}()

	if err := server.Start(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func route(req *libhttp.Request) (*libhttp.Response, error) {
	switch req.Path {
	case "/":
		return libhttp.NewResponse("libhttp demo server\n"), nil
	case "/echo":
		if req.Method != "POST" && req.Method != "PUT" {
			return libhttp.Abort(405), nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		return libhttp.NewResponse(string(body)), nil
	case "/health":
		return libhttp.NewResponse("ok\n"), nil
	default:
		return libhttp.Abort(404), nil
	}
}

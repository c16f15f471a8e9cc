// suitegraph runs a test suite in every configured remote environment.
//
// It serves the test files and the message transport over HTTP, acquires a
// WebDriver session per environment, navigates each session to the loader
// page and reports the events the sessions send back. The exit status is 1
// when a test failed or an environment could not complete.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/dshills/suitegraph/channel"
	"github.com/dshills/suitegraph/channel/transport"
	"github.com/dshills/suitegraph/config"
	"github.com/dshills/suitegraph/metrics"
	"github.com/dshills/suitegraph/remote"
	"github.com/dshills/suitegraph/runner"
	"github.com/dshills/suitegraph/suite/emit"
	"github.com/dshills/suitegraph/suite/store"
)

const shutdownTimeout = 5 * time.Second

type arguments struct {
	cfg config.Config
}

func parseArgs(args []string) (*arguments, error) {
	app := kingpin.New("suitegraph", "Runs test suites in remote browser environments.")
	app.Version("0.1.0")
	configPath := app.Flag("config", "YAML configuration file.").Short('c').String()
	browsers := app.Flag("browser", "Add an environment for this browser name (repeatable).").Strings()
	grep := app.Flag("grep", "Only run tests whose id matches this expression.").String()
	bail := app.Flag("bail", "Stop a suite after its first failure.").Default("false").Bool()
	maxConcurrency := app.Flag("maxConcurrency", "Environments run at once (0 runs all).").Default("-1").Int()
	retries := app.Flag("retries", "Session creation retries per environment.").Default("-1").Int()
	waitMode := app.Flag("waitMode", "none, all, fail or a comma separated list of event names.").String()
	address := app.Flag("address", "Listen address of the controller.").String()
	baseURL := app.Flag("baseURL", "URL remote environments use to reach the controller.").String()
	root := app.Flag("root", "Directory served to remote environments.").String()
	webDriver := app.Flag("webdriver", "WebDriver server URL.").String()
	logFormat := app.Flag("logFormat", "Log output format.").Enum("text", "json")
	logLevel := app.Flag("logLevel", "Log level.").Enum("debug", "info", "warn", "error")
	events := app.Flag("events", "Log every engine event.").Default("false").Bool()
	trace := app.Flag("trace", "Record engine events as OpenTelemetry spans and log them.").Default("false").Bool()

	_, err := app.Parse(args)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}

	for _, b := range *browsers {
		cfg.Environments = append(cfg.Environments, config.Environment{
			Capabilities: map[string]interface{}{"browserName": b},
		})
	}
	if *grep != "" {
		cfg.Grep = *grep
	}
	cfg.Bail = cfg.Bail || *bail
	cfg.Log.Events = cfg.Log.Events || *events
	cfg.Log.Trace = cfg.Log.Trace || *trace
	if *maxConcurrency >= 0 {
		cfg.MaxConcurrency = *maxConcurrency
	}
	if *retries >= 0 {
		cfg.EnvironmentRetries = *retries
	}
	for dst, src := range map[*string]string{
		&cfg.WaitMode:      *waitMode,
		&cfg.Serve.Address: *address,
		&cfg.Serve.BaseURL: *baseURL,
		&cfg.Serve.Root:    *root,
		&cfg.WebDriver.URL: *webDriver,
		&cfg.Log.Format:    *logFormat,
		&cfg.Log.Level:     *logLevel,
	} {
		if src != "" {
			*dst = src
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Environments) == 0 {
		return nil, errors.New("no environments configured, set environments in the config or pass --browser")
	}
	return &arguments{cfg: cfg}, nil
}

func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if lc.Format == "text" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	zc.Level = level
	return zc.Build()
}

func openStore(sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case config.StoreMemory:
		return store.NewMemStore(), nil
	case config.StoreSQLite:
		return store.NewSQLiteStore(sc.DSN)
	case config.StoreMySQL:
		return store.NewMySQLStore(sc.DSN)
	default:
		return nil, nil
	}
}

func (a *arguments) execute(ctx context.Context, output io.Writer) (runner.Result, error) {
	cfg := a.cfg
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return runner.Result{}, errors.Wrap(err, "logger")
	}
	defer func() { _ = logger.Sync() }()

	registry := prometheus.NewRegistry()
	m := metrics.NewPrometheusMetrics(registry)
	runID := uuid.NewString()

	emitter := emit.NewMultiEmitter()
	if cfg.Log.Events {
		emitter.Add(emit.NewLogEmitter(output, cfg.Log.Format == "json"))
	}
	if cfg.Log.Trace {
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(emit.NewSpanLogger(logger.Named("trace"))))
		otel.SetTracerProvider(tp)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = tp.Shutdown(sctx)
		}()
		emitter.Add(emit.NewOTelEmitter(tp.Tracer("suitegraph")))
	}
	results, err := openStore(cfg.Store)
	if err != nil {
		return runner.Result{}, errors.Wrap(err, "open store")
	}
	if results != nil {
		defer results.Close()
		emitter.Add(store.NewRecorder(results, logger.Named("store")))
	}

	ch := channel.New(
		channel.WithEmitter(emitter),
		channel.WithLogger(logger.Named("channel")),
		channel.WithMetrics(m),
		channel.WithWaitMode(channel.ParseWaitMode(cfg.WaitMode)),
		channel.WithRunID(runID),
	)

	handlerOpts := []transport.Option{
		transport.WithLogger(logger.Named("transport")),
		transport.WithFiles(transport.FSSource{FS: os.DirFS(cfg.Serve.Root)}),
	}
	if len(cfg.Coverage.Command) > 0 {
		handlerOpts = append(handlerOpts, transport.WithCoverage(
			commandInstrumenter{argv: cfg.Coverage.Command},
			transport.Coverage{Include: cfg.Coverage.Include, Exclude: cfg.Coverage.Exclude},
		))
	}
	handler, err := transport.NewHandler(ch, handlerOpts...)
	if err != nil {
		return runner.Result{}, err
	}

	router := chi.NewRouter()
	if cfg.Serve.MetricsPath != "" {
		router.Handle(cfg.Serve.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	router.Mount("/", handler)

	ln, err := net.Listen("tcp", cfg.Serve.Address)
	if err != nil {
		return runner.Result{}, errors.Wrap(err, "listen")
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	logger.Info("serving", zap.String("address", ln.Addr().String()), zap.String("baseURL", cfg.Serve.BaseURL))

	wd, err := remote.NewWebDriver(cfg.WebDriver.URL, remote.WithWebDriverLogger(logger.Named("webdriver")))
	if err != nil {
		return runner.Result{}, err
	}

	r, err := runner.New(wd, ch,
		runner.WithEmitter(emitter),
		runner.WithLogger(logger.Named("runner")),
		runner.WithMetrics(m),
		runner.WithRunID(runID),
	)
	if err != nil {
		return runner.Result{}, err
	}
	if err := r.Init(cfg); err != nil {
		return runner.Result{}, err
	}

	res, err := r.Run(ctx)
	report(output, res)
	return res, err
}

func report(w io.Writer, res runner.Result) {
	for _, env := range res.Environments {
		status := "ok"
		if env.Err != nil {
			status = env.Err.Error()
		} else if env.NumFailed > 0 {
			status = "failed"
		}
		fmt.Fprintf(w, "%-20s %4d tests %4d failed %4d skipped  %s  (%s)\n",
			env.Name, env.NumTests, env.NumFailed, env.NumSkipped, status, env.Elapsed.Round(time.Millisecond))
	}
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintf(w, "%d tests, %d failed, %d skipped, %d suite errors\n",
		res.NumTests, res.NumFailed, res.NumSkipped, res.SuiteErrors)
}

func main() {
	args, err := parseArgs(os.Args[1:])
	if err != nil {
		kingpin.Fatalf("failed to parse arguments, %s, try --help", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := args.execute(ctx, os.Stdout)
	if err != nil {
		stop()
		kingpin.Fatalf("%s", err)
	}
	if res.Failed() {
		stop()
		os.Exit(1)
	}
}

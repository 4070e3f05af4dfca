package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"go.uber.org/multierr"

	"github.com/kubescape/cgrules-agent/pkg/config"
	"github.com/kubescape/cgrules-agent/pkg/credentials"
	"github.com/kubescape/cgrules-agent/pkg/dispatcher"
	"github.com/kubescape/cgrules-agent/pkg/metricsmanager"
	metricprometheus "github.com/kubescape/cgrules-agent/pkg/metricsmanager/prometheus"
	"github.com/kubescape/cgrules-agent/pkg/procconnector"
	"github.com/kubescape/cgrules-agent/pkg/procmonitor"
	rulesenginev1 "github.com/kubescape/cgrules-agent/pkg/rulesengine/v1"
	"github.com/kubescape/cgrules-agent/pkg/utils"
	"github.com/kubescape/cgrules-agent/pkg/validator"
)

func main() {
	ctx := context.Background()

	configDir := "/etc/cgrules-agent"
	if envPath := os.Getenv("CONFIG_DIR"); envPath != "" {
		configDir = envPath
	}

	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("load config error", helpers.Error(err))
	}

	var logFile *os.File
	logSink := io.Writer(os.Stdout)
	if cfg.LogToFile {
		logFile, err = os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.L().Ctx(ctx).Fatal("open log file error", helpers.Error(err))
		}
		logger.L().SetWriter(logFile)
		logSink = logFile
	}
	if err := logger.L().SetLevel(cfg.LogLevel); err != nil {
		logger.L().Ctx(ctx).Fatal("invalid log level", helpers.String("level", cfg.LogLevel), helpers.Error(err))
	}

	if os.Getenv("SKIP_VALIDATION") == "" {
		if err := validator.VerifyPrerequisites(cfg); err != nil {
			logger.L().Ctx(ctx).Error("error during prerequisite validation", helpers.Error(err))
			os.Exit(utils.ExitCodeNotRoot)
		}
	}

	if _, present := os.LookupEnv("ENABLE_PROFILER"); present {
		logger.L().Info("starting profiler on port 6060")
		go func() {
			_ = http.ListenAndServe("localhost:6060", nil)
		}()
	}

	// Create Prometheus metrics exporter
	var prometheusExporter metricsmanager.MetricsManager
	if cfg.EnablePrometheusExporter {
		prometheusExporter = metricprometheus.NewPrometheusMetric()
	} else {
		prometheusExporter = metricsmanager.NewMetricsMock()
	}
	prometheusExporter.Start()
	defer prometheusExporter.Destroy()

	engine := rulesenginev1.NewEngine(cfg.RulesConfigPath, cfg.CgroupRoot, cfg.ProcRoot, cfg.RuleCacheSize, cfg.RuleCacheTTL)
	if err := engine.Init(); err != nil {
		logger.L().Ctx(ctx).Error("error initializing the rules engine", helpers.Error(err))
		os.Exit(utils.ExitCodeError)
	}
	if err := engine.InitRuleCache(); err != nil {
		logger.L().Ctx(ctx).Error("error loading the rules configuration", helpers.Error(err))
		os.Exit(utils.ExitCodeBadRules)
	}
	engine.PrintRuleConfig(logSink)

	resolver, err := credentials.NewResolver(cfg.ProcRoot)
	if err != nil {
		logger.L().Ctx(ctx).Fatal("error opening the proc filesystem", helpers.Error(err))
	}

	connect := func() (procconnector.Channel, error) { return procconnector.Connect() }
	monitor := procmonitor.NewProcMonitor(connect, resolver, dispatcher.NewDispatcher(engine, prometheusExporter), prometheusExporter, cfg.ReceiveBufferSize)
	if err := monitor.Start(ctx); err != nil {
		logger.L().Ctx(ctx).Error("error starting the proc monitor", helpers.Error(err))
		os.Exit(utils.ExitCodeTransport)
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR2)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-reload:
			logger.L().Info("reloading rules configuration on SIGUSR2")
			if err := engine.ReloadRuleCache(); err != nil {
				logger.L().Error("rules reload failed, keeping previous rules", helpers.Error(err))
				continue
			}
			engine.PrintRuleConfig(logSink)
		case err := <-monitor.FatalErrors():
			logger.L().Error("proc connector channel failed", helpers.Error(err))
			shutdownAgent(monitor, logFile, utils.ExitCodeTransport)
		case <-shutdown:
			shutdownAgent(monitor, logFile, utils.ExitCodeSuccess)
		}
	}
}

func shutdownAgent(monitor *procmonitor.ProcMonitor, logFile *os.File, code int) {
	if err := monitor.Stop(); err != nil {
		logger.L().Error("error stopping the proc monitor", helpers.Error(err))
	}
	logger.L().Info("agent stopped")
	if logFile != nil {
		if err := multierr.Append(logFile.Sync(), logFile.Close()); err != nil {
			fmt.Fprintln(os.Stderr, "flushing log file:", err)
		}
	}
	os.Exit(code)
}

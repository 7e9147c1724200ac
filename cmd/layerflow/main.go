// =============================================================================
// layerflow command line
// =============================================================================
// Runs the layered pipeline against the configured stores.
//
// Usage:
//
//	layerflow run --query "..."            # new session, run the pipeline
//	layerflow run --session <id> --query   # follow-up request on a session
//	layerflow resume --session <id> --approve
//	layerflow status --session <id>
//	layerflow interrupt --session <id> --reason "..."
//	layerflow sessions [--user u] [--status s]
//	layerflow history --session <id> [--limit n]
//	layerflow migrate up|down|version|status|force <v>
//	layerflow version
// =============================================================================
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/layerflow/config"
)

// Set at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runRun(os.Args[2:])
	case "resume":
		err = runResume(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "interrupt":
		err = runInterrupt(os.Args[2:])
	case "sessions":
		err = runSessions(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are shared by every command that opens the engine.
type commonFlags struct {
	configPath string
	events     bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to config file")
	fs.BoolVar(&c.events, "events", false, "Print pipeline events to stderr")
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func printVersion() {
	fmt.Printf("layerflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`layerflow - layered planning and execution pipeline

Usage:
  layerflow <command> [options]

Commands:
  run        Run the pipeline for a query
  resume     Resume a session waiting for approval
  status     Show the state of a session
  interrupt  Suspend a session for human review
  sessions   List sessions
  history    List the checkpoints of a session
  migrate    Database migration commands
  version    Show version information
  help       Show this help message

Common options:
  --config <path>   Path to configuration file (YAML)
  --events          Print pipeline events to stderr

Examples:
  layerflow run --query "compare the three storage engines"
  layerflow run --session <id> --query "now add costs" --breakdown
  layerflow resume --session <id> --approve
  layerflow resume --session <id> --response reject
  layerflow sessions --user alice --status waiting_human
  layerflow migrate up --config /etc/layerflow/config.yaml`)
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = "console"
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

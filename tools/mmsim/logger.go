package main

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger creates the zap logger described by cfg.
func newLogger(cfg LoggingConfig) (*zap.Logger, error) {
	// Parse and set the log level. Defaults to "info".
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(cfg.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(cfg.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(cfg.Format), writeSyncer, logLevel)
	return zap.New(core).WithOptions(zap.Fields(zap.String("service", "mmsim"))), nil
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr", "":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}

// kernelOutput returns a line handler that forwards kernel output to the
// logger. Lines with a "[module]" prefix are tagged with the module name and
// fault diagnostics are logged at error level.
func kernelOutput(logger *zap.Logger) func(line string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" || strings.Trim(line, "-") == "" {
			return
		}

		fields := []zap.Field{zap.String("source", "kernel")}
		if strings.HasPrefix(line, "[") {
			if end := strings.IndexByte(line, ']'); end > 0 {
				fields = append(fields, zap.String("module", line[1:end]))
				line = strings.TrimSpace(line[end+1:])
			}
		}

		if strings.Contains(line, "unrecoverable error") || strings.Contains(line, "kernel panic") {
			logger.Error(line, fields...)
			return
		}
		logger.Info(line, fields...)
	}
}

package mideej

import (
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jimmyeao/Mideej-sub000/pkg/mideej/util"
)

const (
	logDirectory = "logs"
	logFilename  = "mideej-latest-run.log"

	buildTypeRelease = "release"
)

// NewLogger provides a logger instance for the whole application; release
// builds log to a file under logs/, everything else logs to console
func NewLogger(buildType string) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()
		loggerConfig.OutputPaths = []string{path.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"
	} else {
		loggerConfig = zap.NewDevelopmentConfig()
		loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	// all build types get the same timestamp format and the human-friendly caller
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	loggerConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	// no reason not to use the sugared logger everywhere
	sugar := logger.Sugar()

	sugar.Debugw("Logger created", "buildType", buildType, "time", time.Now())

	return sugar, nil
}

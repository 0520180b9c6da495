package logger

import (
	"log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the sugared logger used across the server packages,
// colored level names & caller info included
func NewLogger() *zap.SugaredLogger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	config.EncoderConfig.TimeKey = "ts"

	logger, err := config.Build()
	if err != nil {
		log.Panic(err)
	}

	return logger.Named("vigil").Sugar()
}

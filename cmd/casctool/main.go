// Command casctool inspects and extracts files from CASC storage, either a
// local game installation or a CDN build.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	defaultDebugLogLevel   = "debug"
	defaultReleaseLogLevel = "info"
)

// setupLogging sets the level from flag, then $LOG_LEVEL, then $DEBUG.
func setupLogging(log *logrus.Logger, flagLevel string) {
	level := flagLevel
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = defaultReleaseLogLevel
		if os.Getenv("DEBUG") == "true" {
			level = defaultDebugLogLevel
		}
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using info level", level)
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	_ = godotenv.Load()

	log := logrus.StandardLogger()
	log.SetOutput(os.Stderr)
	if err := newRootCmd(log, os.Stdout).Execute(); err != nil {
		log.Fatalf("casctool: %v", err)
	}
}

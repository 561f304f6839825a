package log

import (
	"fmt"
	goLog "log"
	"strings"
	"time"
)

var Level = 0

const (
	Debug = iota
	Info
	Warn
	Error
	Fatal
)

// SetLevelString parses one of "debug", "info", "warn", "error", "fatal"
// (case-insensitive) and sets Level accordingly. Unknown names leave Level
// unchanged. Used by config to apply the configured log level at startup.
func SetLevelString(s string) {
	switch strings.ToLower(s) {
	case "debug":
		Level = Debug
	case "info":
		Level = Info
	case "warn", "warning":
		Level = Warn
	case "error":
		Level = Error
	case "fatal":
		Level = Fatal
	}
}

func log(prefix string, format string, args ...interface{}) {
	format = fmt.Sprintf("%v\t%v\t%v", prefix, time.Now(), format)
	goLog.Printf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	if Level <= Debug {
		log("DEBUG", format, args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Level <= Info {
		log("INFO", format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Level <= Warn {
		log("WARN", format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Level <= Error {
		log("ERROR", format, args...)
	}
}

func Fatalf(format string, args ...interface{}) {
	if Level <= Fatal {
		log("FATAL", format, args...)
	}
}

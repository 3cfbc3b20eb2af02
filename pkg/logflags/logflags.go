// Package logflags configures the per-layer loggers. Every layer logs
// through logrus; a layer that was not selected with --log-output only
// reports errors.
package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	debugger = false
	registry = false
	provider = false
	shell    = false

	logOut io.Writer
)

// Fields is a set of structured fields attached to a logger.
type Fields = logrus.Fields

var textFormatterInstance = &logrus.TextFormatter{
	DisableColors:   true,
	FullTimestamp:   true,
	TimestampFormat: "15:04:05.000",
}

func makeLogger(flag bool, fields Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return logger.WithFields(fields)
}

// Debugger returns true if the event dispatcher should log.
func Debugger() bool {
	return debugger
}

// DebuggerLogger returns a logger for the debugger package.
func DebuggerLogger() *logrus.Entry {
	return makeLogger(debugger, Fields{"layer": "debugger"})
}

// Registry returns true if breakpoint table mutations should be logged.
func Registry() bool {
	return registry
}

// RegistryLogger returns a logger for the breakpoint registry.
func RegistryLogger() *logrus.Entry {
	return makeLogger(registry, Fields{"layer": "registry"})
}

// Provider returns true if the process-control provider should log.
func Provider() bool {
	return provider
}

// ProviderLogger returns a logger for process-control providers.
func ProviderLogger() *logrus.Entry {
	return makeLogger(provider, Fields{"layer": "provider"})
}

// ShellLogger returns a logger for the interactive command shell.
func ShellLogger() *logrus.Entry {
	return makeLogger(shell, Fields{"layer": "shell"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr, a comma
// separated list of layers. logDest, if not empty, is a file the logs are
// appended to.
func Setup(logFlag bool, logstr, logDest string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if logDest != "" {
		f, err := os.OpenFile(logDest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		logOut = f
		log.SetOutput(f)
	}
	if !logFlag {
		if logDest == "" {
			log.SetOutput(ioutil.Discard)
		}
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "debugger"
	}
	for _, layer := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(layer) {
		case "debugger":
			debugger = true
		case "registry":
			registry = true
		case "provider":
			provider = true
		case "shell":
			shell = true
		}
	}
	return nil
}

// Close releases the log destination opened by Setup, if any.
func Close() {
	if c, ok := logOut.(io.Closer); ok {
		c.Close()
	}
	logOut = nil
}

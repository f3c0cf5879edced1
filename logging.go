package udplog

import (
	"io"
	"os"
	"strings"

	"github.com/op/go-logging"
)

var LogFormat = logging.MustStringFormatter("%{level} %{time:2006-01-02T15:04:05Z07:00} [%{module}] %{message}")

// Modules lists the logger names used across the repo.
var Modules = []string{"udplog", "net", "gateway", "stats", "queue", "cmd"}

func init() {
	logging.SetBackend(newBackend(os.Stderr, logging.INFO))
	for _, m := range Modules {
		logging.SetLevel(logging.INFO, m)
	}
}

// newBackend formats records with LogFormat and no stdlib log prefix, so
// each line carries a single timestamp.
func newBackend(w io.Writer, lvl logging.Level) logging.LeveledBackend {
	backend := logging.NewLogBackend(w, "", 0)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, LogFormat))
	leveled.SetLevel(lvl, "")
	return leveled
}

// SetupLogging sends logs to stderr and applies level to every module.
// An empty level keeps INFO.
func SetupLogging(level string) error {
	lvl := logging.INFO
	if level != "" {
		var err error
		lvl, err = logging.LogLevel(strings.ToUpper(level))
		if err != nil {
			return err
		}
	}
	logging.SetBackend(newBackend(os.Stderr, lvl))
	for _, m := range Modules {
		logging.SetLevel(lvl, m)
	}
	return nil
}

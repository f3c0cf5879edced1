package udplog

import (
	"bytes"
	"regexp"
	"testing"

	"github.com/op/go-logging"
)

func TestDefaultBackendFormat(t *testing.T) {
	var buf bytes.Buffer
	logging.SetBackend(newBackend(&buf, logging.INFO))
	defer SetupLogging("")

	logging.MustGetLogger("udplog").Info("hello")
	logging.MustGetLogger("udplog").Debug("hidden")

	line := regexp.MustCompile(`^INFO \d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\S* \[udplog\] hello\n$`)
	if !line.Match(buf.Bytes()) {
		t.Errorf("log output = %q", buf.String())
	}
}

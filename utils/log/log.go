package log

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rnr-capital/feedsync/utils/flag"
)

// global accessible logger
var (
	LogV2 *StructuredLogger
)

// This init function is only for testing cases, where the entry point is not
// main function. Unit test will fail with nil pointer dereference if we don't
// init here.
func init() {
	initLogger()
}

type StructuredLogger struct {
	*logrus.Entry
}

func (l *StructuredLogger) Infof(params ...interface{}) {
	strs := make([]string, len(params))

	for i, param := range params {
		strs[i] = fmt.Sprint(param)
	}

	l.Info(strings.Join(strs, ", "))
}

func (l *StructuredLogger) Debugf(params ...interface{}) {
	strs := make([]string, len(params))

	for i, param := range params {
		strs[i] = fmt.Sprint(param)
	}

	l.Debug(strings.Join(strs, ", "))
}

func (l *StructuredLogger) Errorf(params ...interface{}) {
	strs := make([]string, len(params))

	for i, param := range params {
		strs[i] = fmt.Sprint(param)
	}

	l.Error(strings.Join(strs, ", "))
}

func initLogger() {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	env := os.Getenv("FEEDSYNC_ENV")
	if len(env) == 0 {
		env = "unknown"
	}
	if env == "prod" {
		base.SetLevel(logrus.InfoLevel)
	} else {
		base.SetLevel(logrus.DebugLevel)
	}

	LogV2 = &StructuredLogger{
		base.WithFields(logrus.Fields{
			"env": env,
			"app": strings.ReplaceAll(*flag.ServiceName, "_", "-"),
		}),
	}
}

// Package logging wires up the structured, colorized logger every
// other package logs through, replacing the teacher's bare
// log.Printf("[INFO] ...") convention with logrus fields plus
// colorstring-rendered console lines.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/mitchellh/colorstring"
	"github.com/sirupsen/logrus"
)

// consoleFormatter renders log lines the way the teacher's bracketed
// [INFO]/[FAIL] convention did, but colorized via colorstring instead
// of plain brackets.
type consoleFormatter struct{}

func (consoleFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var tag string
	switch e.Level {
	case logrus.DebugLevel:
		tag = "[dim]DEBUG[reset]"
	case logrus.InfoLevel:
		tag = "[cyan]INFO[reset]"
	case logrus.WarnLevel:
		tag = "[yellow]WARN[reset]"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		tag = "[red]FAIL[reset]"
	default:
		tag = "[light_gray]LOG[reset]"
	}

	line := colorstring.Color(fmt.Sprintf("%s\t%s", tag, e.Message))
	for k, v := range e.Data {
		line += fmt.Sprintf(" %s=%v", k, v)
	}
	line += "\n"
	return []byte(line), nil
}

// New constructs a logrus.Logger at level, writing colorized lines to
// out (os.Stderr when out is nil).
func New(level logrus.Level, out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stderr
	}
	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(level)
	log.SetFormatter(consoleFormatter{})
	return log
}

//go:build !tinygo

package rfm69

import (
	"log"
)

func init() {
	globalLogger = &stdLogger{}
}

// stdLogger writes through the standard library log package, so whatever
// log.SetOutput points at (stderr, a rotating file) receives driver output.
type stdLogger struct{}

func (l *stdLogger) Debug(msg string) {
	log.Print("[DEBUG] rfm69: " + msg)
}

func (l *stdLogger) Info(msg string) {
	log.Print("[INFO]  rfm69: " + msg)
}

func (l *stdLogger) Warn(msg string) {
	log.Print("[WARN]  rfm69: " + msg)
}

func (l *stdLogger) Error(msg string) {
	log.Print("[ERROR] rfm69: " + msg)
}

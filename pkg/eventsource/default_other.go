//go:build !windows

package eventsource

import "github.com/sirupsen/logrus"

// Default returns the platform event source. Outside Windows there is no
// native event log to query, so channel exports are read from dir.
func Default(dir string, log *logrus.Logger) Source {
	return NewFileSource(dir, log)
}

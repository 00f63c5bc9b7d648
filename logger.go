package dnshield

import "github.com/sirupsen/logrus"

// Log is the package-wide logger. The host process may replace it or call
// SetLevel/SetOutput on it directly; components do not take a logger
// parameter individually.
var Log = logrus.New()

func init() {
	Log.SetLevel(logrus.WarnLevel)
}

package daemon

import (
	"log/slog"

	"github.com/calepin/kerneld/internal/kernel"
)

// LogNotifier surfaces session notices in the daemon log. kerneld has no
// interactive surface of its own, so messages meant for the user become
// structured log lines an operator can watch.
type LogNotifier struct {
	Logger *slog.Logger
}

var _ kernel.Notifier = (*LogNotifier)(nil)

func (n *LogNotifier) Info(target kernel.TargetID, message string) {
	n.logger().Info(message, "target", target)
}

func (n *LogNotifier) Warn(target kernel.TargetID, message string) {
	n.logger().Warn(message, "target", target)
}

func (n *LogNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

// Package log provides structured, leveled logging for conveyor components.
//
// Loggers are constructed explicitly and passed by dependency injection;
// there is no global logger. Components tag their output with a component
// field so a single process running several loops stays readable:
//
//	logger := log.NewLogger(log.WithLevel(log.InfoLevel))
//	wl := logger.WithComponent("worker").With(log.F("queue", "process"))
//	wl.Info("message completed", log.F("seq", seq))
//
// Formatting (text or JSON) and outputs are pluggable via Formatter and
// Output. RedirectStdLog routes standard-library log output (Pebble uses it)
// through a Logger.
package log

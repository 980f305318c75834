// Package core defines the cross-cutting interfaces shared by the execution core.
package core

// ILogger defines the interface for structured logging. Components that log
// take one of these by constructor injection rather than calling a package
// logger.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// Package logging constructs the process-wide structured logger. It mirrors
// the shape of the teacher repo's ambient logging (one logger threaded into
// the server and downloader) while upgrading the call site
// from the standard library's "log" package to zap's structured API.
package logging

import "go.uber.org/zap"

// New builds a production-mode zap logger. When dev is true it instead
// builds a development logger (console output, caller, stack traces on
// warn+), matching the teacher's convention of more verbose local logging.
func New(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

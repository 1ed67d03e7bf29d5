// Package log defines the logging contract shared by every eventpipe component.
//
// Components accept a Logger through options and fall back to NewNop when none
// is given. The zap package provides the production adapter.
package log

// Package logx is epicbot's structured logging on top of zerolog.
//
// Sinks:
//   - console (short timestamp and caller)
//   - JSON file
//   - optional chat sink with a minimum level and a rate limit
package logx

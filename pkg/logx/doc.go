// Package logx configures ramsis structured logging.
//
// It wraps zerolog in a small value type (logx.Logger) so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - sinks and level can be swapped at runtime (config hot reload)
//     without re-creating the loggers held by components
package logx

// Package logx configures social-poster's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// The Service supports live reconfiguration: Apply() swaps sinks and level
// while existing Logger values keep working.
package logx

// Package logx configures anonroom's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional admin-chat sink through the gateway (min-level + rate limited)
package logx

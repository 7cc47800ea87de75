// Package logx configures renewd's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - JSON output for log shippers (stdout or file)
//   - Live reconfiguration via Service.Apply
package logx

// Package logx wraps zerolog behind a small structured-logging facade so the
// rest of the code never imports zerolog directly. Loggers created from the
// Service stay live across config reloads.
package logx

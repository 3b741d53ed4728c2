// Package logx is timetask's structured logging on top of zerolog.
//
// Console output is human readable with a short caller; file output is JSON.
// An optional chat sink forwards warnings to a chat destination through the
// transport, gated by a minimum level and a rate limiter.
package logx

// Package logx wraps zerolog for bulksend.
//
// Every component logs through a logx.Logger derived with With(); the Service
// behind it fans lines out to the console (short timestamp and caller), an
// optional JSON log file, and an optional rate-limited operator chat.
package logx

// Package logx is the bot's structured logging layer on top of zerolog.
//
// Console output stays short and readable, the optional file sink keeps JSON
// lines, and the optional chat sink mirrors warnings into a log channel on
// the connected platform (min level plus rate limit).
package logx

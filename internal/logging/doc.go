// Package logging sets up structured JSON logging for qarag.
//
// With --debug, logs go to a size-rotated file under ~/.qarag/logs/ and can
// be read back with `qarag logs`. In stdio MCP mode nothing is ever written
// to stdout or stderr, since stdout carries the protocol stream.
package logging

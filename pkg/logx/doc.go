// Package logx is a thin structured-logging layer over zerolog.
//
// It exposes a value-type Logger with variadic Field helpers, plus a
// Service whose sinks and level can be swapped at runtime via Apply().
package logx

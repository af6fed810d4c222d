// Package logx is a thin structured-logging layer over zerolog.
//
// Components take a logx.Logger by value; the zero value is a safe no-op,
// so wiring a logger is always optional.
package logx

// Package logx is syncq's structured logging on top of zerolog.
//
// Components take a Logger value and narrow it with With(String("comp", ...)).
// The Service behind it owns the console and file sinks and can be
// reconfigured at runtime by the config reload loop.
package logx

// Package logx is the node's structured logger: a value-type wrapper over
// zerolog whose sinks and level can be swapped at runtime on config reload.
// Console output is human-readable, file output is JSON lines.
package logx

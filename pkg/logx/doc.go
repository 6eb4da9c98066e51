// Package logx is weatherpush's logging layer: a small Logger value over
// zerolog with typed fields.
//
// A Service owns the live outputs and can swap them on config reload:
// a readable console writer, a JSON file, and an optional operator sink
// that receives warn+ lines through a rate limiter.
package logx

// Package logger provides adapters for popular logging libraries to work
// with thunder's Logger interface.
//
// The engine logs through alternating key-value pairs ("lsn", lsn,
// "error", err); the adapters here fold those pairs into each backend's
// native field representation. The standard library's slog.Logger already
// implements thunder.Logger directly and needs no adapter.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/thunder"
//	    "github.com/alexhholmes/thunder/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    db, err := thunder.OpenWithOptions("data.db", thunder.WithLogger(logger.NewZap(zapLogger)))
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//	}
package logger

import "fmt"

type field struct {
	key   string
	value any
}

// fieldsOf pairs the engine's variadic arguments into key-value fields.
// A non-string key is stringified and a dangling trailing value is kept
// under a synthesized key, so a miswritten call site still shows up in
// the output instead of being dropped.
func fieldsOf(args []any) []field {
	out := make([]field, 0, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			out = append(out, field{key: "arg", value: args[i]})
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		out = append(out, field{key: key, value: args[i+1]})
	}
	return out
}

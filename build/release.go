package build

import (
	"fmt"
	"os"
)

// Release is set at build time via -ldflags to one of "standard", "testing",
// or "dev". It gates Critical's behavior and is checked anywhere a code path
// should only run (or only panic) outside of production.
var Release = "standard"

// Critical logs a message and then panics, unless Release == "standard", in
// which case it only logs. Critical marks invariants that should never be
// violated; finding one violated in production should not take the server
// down, but finding one violated in tests or dev builds should fail loudly.
func Critical(v ...interface{}) {
	msg := fmt.Sprintln(append([]interface{}{"Critical:"}, v...)...)
	fmt.Fprint(os.Stderr, msg)
	if Release != "standard" {
		panic(msg)
	}
}

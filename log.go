package kcp

import (
	"log"
	"os"
)

// Logger is the narrow interface the core logs through. It is
// satisfied by *log.Logger, matching the standard library usage found
// throughout the corpus (xtaci/kcptun's client and server mains,
// dnsproxy) — no structured logging library appears anywhere in the
// retrieval pack, so none is introduced here.
//
// Per spec.md §1 the logger is an external collaborator consumed only
// through this narrow interface; the core never configures log output
// itself.
type Logger interface {
	Printf(format string, v ...interface{})
}

// defaultLogger is used by Listener and Connector when no Logger is
// supplied, writing to stderr like the standard library's default.
var defaultLogger Logger = log.New(os.Stderr, "kcp: ", log.LstdFlags)

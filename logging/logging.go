// Package logging centralizes the zerolog setup used by every storage-core
// package, mirroring how the teacher scatters fmt.Println/errPrintf status
// lines through BufMgr.Close/PoolAudit but structured instead of ad hoc.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once sync.Once
	base zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// Component returns a logger tagged with the given component name (e.g.
// "rdsm", "bfm", "btm") so log lines can be filtered per layer.
func Component(name string) zerolog.Logger {
	once.Do(func() {
		base = zerolog.New(defaultWriter()).With().Timestamp().Logger()
	})
	return base.With().Str("component", name).Logger()
}

func defaultWriter() io.Writer {
	if os.Getenv("COSMOS_LOG_JSON") != "" {
		return os.Stderr
	}
	return zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}
}

package logger

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Init configures the default logger for the command line tools
func Init(debug, noColor bool) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportCaller: debug,
		Prefix:       "MPLX",
	})

	if debug {
		logger.SetLevel(log.DebugLevel)
	} else {
		logger.SetLevel(log.WarnLevel)
	}

	logger.SetColorProfile(termenv.ANSI256)
	if noColor || !isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetColorProfile(termenv.Ascii)
	}

	log.SetDefault(logger)
	return logger
}

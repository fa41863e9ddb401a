package logparser

import "github.com/rs/zerolog"

// DebugLogPrinter echoes every line at debug level unless hidden.
type DebugLogPrinter struct {
	logger zerolog.Logger
	hide   bool
}

func NewDebugLogPrinter(logger zerolog.Logger, hide bool) *DebugLogPrinter {
	return &DebugLogPrinter{logger: logger, hide: hide}
}

func (p *DebugLogPrinter) OnLine(line string) error {
	if !p.hide {
		p.logger.Debug().Msg(line)
	}
	return nil
}

func (p *DebugLogPrinter) Close() {}

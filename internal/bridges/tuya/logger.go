package tuya

import "sync"

// loggerHolder gives a component a replaceable, nil-safe logger.
type loggerHolder struct {
	loggerMu sync.RWMutex
	logger   Logger
}

// SetLogger sets the logger. A nil logger disables logging.
func (h *loggerHolder) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

func (h *loggerHolder) current() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *loggerHolder) logDebug(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (h *loggerHolder) logInfo(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (h *loggerHolder) logWarn(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (h *loggerHolder) logError(msg string, err error, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Error(msg, append(keysAndValues, "error", err)...)
	}
}

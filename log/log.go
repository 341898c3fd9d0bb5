package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"roomnet/config"
)

// Level type of loglevel
type Level uint32

const (
	// ALL output all logs
	ALL Level = iota
	// DEBUG output debug/info/error logs
	DEBUG
	// INFO output info/error logs
	INFO
	// ERROR output error logs
	ERROR
	// NOLOG output no logs
	NOLOG
)

var (
	level = INFO

	stdoutCore  zapcore.Core
	rotateCore  zapcore.Core
	globalSugar *zap.SugaredLogger
)

func init() {
	// usable before InitLogger (tests, early startup)
	enc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	stdoutCore = zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zapLevel(DEBUG))
	globalSugar = zap.New(stdoutCore, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

// SetWriter sets custom log writer
func SetWriter(w io.Writer) {
	enc := zapcore.NewConsoleEncoder(consoleEncoderConfig())
	stdoutCore = zapcore.NewCore(enc, zapcore.AddSync(w), zapLevel(DEBUG))
	rotateCore = nil
	globalSugar = zap.New(stdoutCore, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	c := zap.NewDevelopmentEncoderConfig()
	c.EncodeLevel = zapcore.CapitalLevelEncoder
	return c
}

func jsonEncoderConfig() zapcore.EncoderConfig {
	c := zap.NewProductionEncoderConfig()
	c.EncodeTime = zapcore.ISO8601TimeEncoder
	return c
}

func zapLevel(l Level) zapcore.LevelEnabler {
	switch l {
	case ALL, DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case ERROR:
		return zapcore.ErrorLevel
	}
	return zapcore.FatalLevel
}

// InitLogger : LogConfに従ってloggerを差し替える.
// 返り値のfuncをdeferで呼ぶことでバッファをflushする.
func InitLogger(conf *config.LogConf) func() {
	var enc zapcore.Encoder
	if conf.LogStdoutConsole {
		enc = zapcore.NewConsoleEncoder(consoleEncoderConfig())
	} else {
		enc = zapcore.NewJSONEncoder(jsonEncoderConfig())
	}
	stdoutCore = zapcore.NewCore(enc, zapcore.Lock(os.Stdout), zapLevel(Level(conf.LogStdoutLevel)))

	cores := []zapcore.Core{stdoutCore}
	if conf.LogPath != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   conf.LogPath,
			MaxSize:    conf.LogMaxSize,
			MaxBackups: conf.LogMaxBackups,
			MaxAge:     conf.LogMaxAge,
			Compress:   conf.LogCompress,
		})
		rotateCore = zapcore.NewCore(zapcore.NewJSONEncoder(jsonEncoderConfig()), sink, zapcore.DebugLevel)
		cores = append(cores, rotateCore)
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	globalSugar = logger.Sugar()
	return func() { _ = logger.Sync() }
}

// Get returns a logger filtered by the given level.
// Per-room/per-connection loggers are derived from this with With().
func Get(l Level) *zap.Logger {
	cores := []zapcore.Core{newLeveledCore(stdoutCore, l)}
	if rotateCore != nil {
		cores = append(cores, newLeveledCore(rotateCore, l))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

type leveledCore struct {
	zapcore.Core
	min zapcore.LevelEnabler
}

func newLeveledCore(c zapcore.Core, l Level) zapcore.Core {
	return &leveledCore{Core: c, min: zapLevel(l)}
}

func (c *leveledCore) Enabled(l zapcore.Level) bool {
	return c.min.Enabled(l) && c.Core.Enabled(l)
}

func (c *leveledCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(e.Level) {
		return ce.AddCore(e, c)
	}
	return ce
}

// CurrentLevel returns current log level
func CurrentLevel() Level {
	return level
}

// SetLevel sets log level of the global Debugf/Infof/Errorf
func SetLevel(l Level) (old Level) {
	old = level
	level = l
	return old
}

// Debugf outputs log for debug
func Debugf(format string, v ...interface{}) {
	if level <= DEBUG {
		globalSugar.Debugf(format, v...)
	}
}

// Infof outputs log for information
func Infof(format string, v ...interface{}) {
	if level <= INFO {
		globalSugar.Infof(format, v...)
	}
}

// Errorf outputs log for error
func Errorf(format string, v ...interface{}) {
	if level <= ERROR {
		globalSugar.Errorf(format, v...)
	}
}

// String implements Stringer interface
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case ERROR:
		return "ERROR"
	}
	if l <= ALL {
		return "ALL"
	}
	return "NOLOG"
}

// Package logger configures the process-wide logrus logger.
package logger

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Options selects level, format and optional rotating file output.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Debug enables caller reporting.
	Debug bool
}

// New builds a logrus.Logger from opts. Unknown levels fall back to info.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	configure(l, opts, os.Stdout)
	return l
}

// Init configures the standard logrus logger and redirects the stdlib log package into it.
func Init(opts Options) *logrus.Logger {
	l := logrus.StandardLogger()
	configure(l, opts, os.Stdout)
	log.SetOutput(l.Writer())
	log.SetFlags(0)
	l.Infof("init logrus...")
	return l
}

func configure(l *logrus.Logger, opts Options, stdout io.Writer) {
	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		formatter := &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		}
		if os.Getenv("NO_COLOR") != "" {
			formatter.DisableColors = true
		}
		l.SetFormatter(formatter)
	}

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if opts.Debug {
		level = logrus.DebugLevel
	}
	l.SetLevel(level)
	l.SetReportCaller(opts.Debug)

	var w io.Writer = stdout
	if opts.File != "" {
		w = io.MultiWriter(stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB, // megabytes
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays, // days
		})
	}
	l.SetOutput(w)
}

package logflags

import (
	"errors"
	"io/ioutil"
	"log"
	"strings"

	"github.com/sirupsen/logrus"
)

var wire = false
var transport = false
var attach = false
var session = false

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New().WithFields(fields)
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.PanicLevel
	}
	return logger
}

// Wire returns true if the wire codecs should log every record exchanged
// with the debuggee.
func Wire() bool {
	return wire
}

// WireLogger returns a configured logger for the wire codecs.
func WireLogger() *logrus.Entry {
	return makeLogger(wire, logrus.Fields{"layer": "wire"})
}

// Transport returns true if the transport package should log connection
// lifecycle events.
func Transport() bool {
	return transport
}

// TransportLogger returns a logger for the transport package.
func TransportLogger() *logrus.Entry {
	return makeLogger(transport, logrus.Fields{"layer": "transport"})
}

// Attach returns true if the attach workflow should log.
func Attach() bool {
	return attach
}

// AttachLogger returns a logger for the attach workflow.
func AttachLogger() *logrus.Entry {
	return makeLogger(attach, logrus.Fields{"layer": "attach"})
}

// Session returns true if the debug session should log state transitions.
func Session() bool {
	return session
}

// SessionLogger returns a logger for the debug session.
func SessionLogger() *logrus.Entry {
	return makeLogger(session, logrus.Fields{"layer": "session"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component logging flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "session"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "wire":
			wire = true
		case "transport":
			transport = true
		case "attach":
			attach = true
		case "session":
			session = true
		}
	}
	return nil
}

package logflags

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func resetFlags() {
	wire = false
	transport = false
	attach = false
	session = false
}

func TestSetupParsesComponents(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "wire,attach"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Wire() || !Attach() {
		t.Errorf("expected wire and attach to be enabled, got wire=%v attach=%v", Wire(), Attach())
	}
	if Transport() || Session() {
		t.Errorf("expected transport and session to stay disabled")
	}
}

func TestSetupDefaultComponent(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !Session() {
		t.Errorf("expected session logging to be the default")
	}
}

func TestSetupLogstrWithoutLog(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "wire"); err == nil {
		t.Fatalf("expected an error for --log-output without --log")
	}
}

func TestMakeLoggerLevels(t *testing.T) {
	on := makeLogger(true, logrus.Fields{"layer": "wire"})
	if on.Logger.Level != logrus.DebugLevel {
		t.Errorf("enabled logger level = %v, want %v", on.Logger.Level, logrus.DebugLevel)
	}
	off := makeLogger(false, logrus.Fields{"layer": "wire"})
	if off.Logger.Level != logrus.PanicLevel {
		t.Errorf("disabled logger level = %v, want %v", off.Logger.Level, logrus.PanicLevel)
	}
}

package log

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "prod")
	logger.Debug().Msg("скрыто")
	if buf.Len() != 0 {
		t.Fatalf("не ожидали debug-записи вне dev, получили %s", buf.String())
	}

	logger = newLogger(&buf, "dev")
	logger.Debug().Str("component", "feed").Msg("видно")
	if !strings.Contains(buf.String(), `"component":"feed"`) {
		t.Fatalf("ожидали debug-запись в dev, получили %s", buf.String())
	}
}

package degraded

import (
	"testing"
	"time"
)

func TestErrorRate(t *testing.T) {
	Reset()
	defer Reset()

	for i := 0; i < 9; i++ {
		RecordSuccess()
	}
	RecordError()

	errs, total := ErrorRate(time.Minute)
	if errs != 1 {
		t.Errorf("errors = %d, want 1", errs)
	}
	if total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
}

func TestErrorRate_EmptyWindow(t *testing.T) {
	Reset()
	errs, total := ErrorRate(time.Minute)
	if errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}

package alert

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/selfmail/mlog"
)

func TestRaise(t *testing.T) {
	var buf bytes.Buffer
	prev := mlog.SetOutput(&buf)
	defer mlog.SetOutput(prev)

	s := New(mlog.New("alert"), time.Hour, 2)
	err := errors.New("boom")

	if !s.Raise(KindOverQuota, "mjl", "account over quota", err) {
		t.Fatalf("first alert not logged")
	}
	if !s.Raise(KindOverQuota, "mjl", "account over quota", err) {
		t.Fatalf("second alert not logged")
	}
	if s.Raise(KindOverQuota, "mjl", "account over quota", err) {
		t.Fatalf("third alert logged, expected rate limit")
	}
	// Other key and kind have their own limit.
	if !s.Raise(KindOverQuota, "other", "account over quota", err) {
		t.Fatalf("alert for other key not logged")
	}
	if !s.Raise(KindLockRelease, "mjl", "releasing lock", err) {
		t.Fatalf("alert for other kind not logged")
	}

	out := buf.String()
	if n := strings.Count(out, `fatal: "account over quota"`); n != 3 {
		t.Fatalf("got %d logged over quota alerts, expected 3:\n%s", n, out)
	}
	if !strings.Contains(out, "boom") || !strings.Contains(out, "kind: lockrelease") {
		t.Fatalf("missing error or kind in output:\n%s", out)
	}
}

func TestRaiseSuppressed(t *testing.T) {
	var buf bytes.Buffer
	prev := mlog.SetOutput(&buf)
	defer mlog.SetOutput(prev)

	s := New(mlog.New("alert"), 200*time.Millisecond, 1)
	err := errors.New("boom")

	if !s.Raise(KindUsage, "mjl", "usage update failed", err) {
		t.Fatalf("first alert not logged")
	}
	for i := 0; i < 2; i++ {
		if s.Raise(KindUsage, "mjl", "usage update failed", err) {
			t.Fatalf("alert %d logged at fatal severity, expected rate limit", i+2)
		}
	}
	out := buf.String()
	if n := strings.Count(out, `error: "usage update failed (alert rate limited)": boom`); n != 2 {
		t.Fatalf("got %d rate limited alerts at error severity, expected 2:\n%s", n, out)
	}

	time.Sleep(250 * time.Millisecond)
	buf.Reset()
	if !s.Raise(KindUsage, "mjl", "usage update failed", err) {
		t.Fatalf("alert after rate limit not logged")
	}
	out = buf.String()
	if !strings.HasPrefix(out, `fatal: "usage update failed": boom`) || !strings.Contains(out, "suppressed: 2") {
		t.Fatalf("missing suppressed count in alert:\n%s", out)
	}

	// Count is reset once reported.
	time.Sleep(250 * time.Millisecond)
	buf.Reset()
	s.Raise(KindUsage, "mjl", "usage update failed", err)
	if out := buf.String(); strings.Contains(out, "suppressed") {
		t.Fatalf("suppressed count not reset:\n%s", out)
	}
}

package drivers

import (
	"context"
	"strings"
	"testing"
	"time"
)

func setupMockRs485(t *testing.T) (*Rs485, *MockSerialPort) {
	t.Helper()

	port := NewMockSerialPort()
	rs := &Rs485{DisableDe: true}
	assertNoError(t, rs.SetupWithPort(context.Background(), port))
	t.Cleanup(func() { rs.Close() })
	return rs, port
}

func waitForMessage(t testing.TB, rs *Rs485, want string) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if last := rs.LastMessage(); last != nil && *last == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("message %q not received, last: %v", want, rs.LastMessage())
}

func TestRs485Receive(t *testing.T) {
	rs, port := setupMockRs485(t)

	if rs.LastMessage() != nil {
		t.Fatal("expected no message before first receive")
	}

	port.Feed("  hello ")
	port.Feed("world  \n")
	waitForMessage(t, rs, "hello world")

	port.Feed("first\nsecond\n")
	waitForMessage(t, rs, "second")

	if rs.LastMessageAt().IsZero() {
		t.Error("receive time not recorded")
	}
}

func TestRs485InvalidUtf8(t *testing.T) {
	rs, port := setupMockRs485(t)

	port.Feed("ok\xff\xfeend\n")
	waitForMessage(t, rs, "ok\uFFFDend")
}

func TestRs485HoldsPartialLine(t *testing.T) {
	rs, port := setupMockRs485(t)

	port.Feed("first\n")
	waitForMessage(t, rs, "first")

	port.Feed("no newline yet")
	time.Sleep(50 * time.Millisecond)
	if last := rs.LastMessage(); last == nil || *last != "first" {
		t.Fatalf("partial line delivered early, last: %v", last)
	}

	port.Feed(" done\n")
	waitForMessage(t, rs, "no newline yet done")
}

func TestRs485IgnoresBlankLines(t *testing.T) {
	rs, port := setupMockRs485(t)

	port.Feed("kept\n")
	waitForMessage(t, rs, "kept")

	port.Feed("   \n\n")
	port.Feed("next\n")
	waitForMessage(t, rs, "next")
}

func TestRs485Subscribe(t *testing.T) {
	rs, port := setupMockRs485(t)

	received := make(chan string, 4)
	unsubscribe := rs.Subscribe(func(msg string) { received <- msg })

	port.Feed("ping\n")
	select {
	case msg := <-received:
		if msg != "ping" {
			t.Errorf("got %q want ping", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	unsubscribe()
	port.Feed("pong\n")
	waitForMessage(t, rs, "pong")
	select {
	case msg := <-received:
		t.Errorf("unsubscribed listener got %q", msg)
	default:
	}
}

func TestRs485Send(t *testing.T) {
	rs, port := setupMockRs485(t)

	sent, err := rs.Send("  status?  ")
	assertNoError(t, err)
	if sent != "status?" {
		t.Errorf("got %q want status?", sent)
	}
	if port.Written() != "status?\n" {
		t.Errorf("wrote %q", port.Written())
	}
}

func TestRs485SendDirectionPin(t *testing.T) {
	gp, chip := setupMockGpio(t)
	port := NewMockSerialPort()
	rs := &Rs485{}
	assertNoError(t, rs.AttachDe(gp))
	assertBools(t, chip.Level(rs485DefaultDePin), false)
	assertNoError(t, rs.SetupWithPort(context.Background(), port))
	defer rs.Close()

	_, err := rs.Send("x")
	assertNoError(t, err)
	// back to receive after the frame went out
	assertBools(t, chip.Level(rs485DefaultDePin), false)
}

func TestValidateMessage(t *testing.T) {
	_, err := ValidateMessage("   ")
	assertErrorIs(t, err, ErrEmptyMessage)

	_, err = ValidateMessage(strings.Repeat("a", Rs485MaxMessageLength+1))
	assertErrorIs(t, err, ErrMessageTooLong)

	msg, err := ValidateMessage(strings.Repeat("ž", Rs485MaxMessageLength))
	assertNoError(t, err)
	if len([]rune(msg)) != Rs485MaxMessageLength {
		t.Errorf("got %d runes", len([]rune(msg)))
	}
}

func TestRs485NotReady(t *testing.T) {
	rs := &Rs485{}

	_, err := rs.Send("hello")
	assertErrorIs(t, err, ErrNotReady)
	assertNoError(t, rs.Close())

	_, err = rs.Send("")
	assertErrorIs(t, err, ErrEmptyMessage)
}

func TestRs485Close(t *testing.T) {
	port := NewMockSerialPort()
	rs := &Rs485{DisableDe: true}
	assertNoError(t, rs.SetupWithPort(context.Background(), port))

	assertNoError(t, rs.Close())
	assertBools(t, rs.IsReady(), false)

	_, err := rs.Send("late")
	assertErrorIs(t, err, ErrNotReady)
}

package bus

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestProbeBrokersEmptyList(t *testing.T) {
	if err := ProbeBrokers(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty broker list")
	}
}

func TestProbeBrokersUnreachable(t *testing.T) {
	// A listener closed before the probe guarantees a refused port.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ProbeBrokers(ctx, []string{addr}); err == nil {
		t.Fatal("expected error for unreachable broker")
	}
}

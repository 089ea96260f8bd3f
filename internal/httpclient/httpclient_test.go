package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func TestDefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default must return the same client")
	}
	if Default().Timeout != DefaultTimeout {
		t.Fatalf("timeout = %v, want %v", Default().Timeout, DefaultTimeout)
	}
}

func TestWithTimeout(t *testing.T) {
	c := WithTimeout(15 * time.Second)
	if c.Timeout != 15*time.Second {
		t.Fatalf("timeout = %v", c.Timeout)
	}
	if c == Default() {
		t.Fatal("WithTimeout must not hand back the shared client")
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatal("transport not cloned from Default")
	}
	if tr.MaxIdleConnsPerHost != MaxIdleConnsPerHost {
		t.Fatalf("MaxIdleConnsPerHost = %d, want %d", tr.MaxIdleConnsPerHost, MaxIdleConnsPerHost)
	}
}

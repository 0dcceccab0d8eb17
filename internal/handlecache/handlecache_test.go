package handlecache

import (
	"os"
	"testing"
)

func TestAcquireReads(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "handlecache")
	if err != nil {
		t.Fatal(err)
	}
	name := f.Name()
	if _, err := f.WriteString("hello world"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	c := New(name, 2)
	h, err := c.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := h.ReadAt(buf, 6); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "world" {
		t.Fatalf("ReadAt = %q, want %q", buf, "world")
	}
}

func TestAcquireReusesHandle(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "handlecache")
	if err != nil {
		t.Fatal(err)
	}
	name := f.Name()
	f.Close()

	c := New(name, 4)
	h1, err := c.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if h1.f != h2.f {
		t.Fatal("Acquire did not reuse the cached handle")
	}
}

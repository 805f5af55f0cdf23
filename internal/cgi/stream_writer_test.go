package cgi

import "testing"

func TestStreamWriterWriteThenNext(t *testing.T) {
	sw := NewStreamWriter()
	sw.Write([]byte("hello"))
	sw.Close()

	data, done := sw.Next()
	if string(data) != "hello" {
		t.Fatalf("got %q", data)
	}
	if done {
		t.Fatal("first Next should not report done while it still returned bytes")
	}

	data, done = sw.Next()
	if len(data) != 0 || !done {
		t.Fatalf("expected (nil, true) after drain, got (%q, %v)", data, done)
	}
}

func TestStreamWriterBlocksUntilWrite(t *testing.T) {
	sw := NewStreamWriter()
	result := make(chan []byte, 1)
	go func() {
		data, _ := sw.Next()
		result <- data
	}()

	sw.Write([]byte("later"))
	got := <-result
	if string(got) != "later" {
		t.Fatalf("got %q", got)
	}
}

func TestStreamWriterWriteAfterCloseIsDropped(t *testing.T) {
	sw := NewStreamWriter()
	sw.Close()
	n, err := sw.Write([]byte("ignored"))
	if err != nil || n != len("ignored") {
		t.Fatalf("Write after close should report success without appending: n=%d err=%v", n, err)
	}
	data, done := sw.Next()
	if len(data) != 0 || !done {
		t.Fatalf("expected immediate done after close with no writes, got (%q, %v)", data, done)
	}
}

package lib

import (
	"bytes"
	"testing"
)

func TestDatagramPoolBuffers(t *testing.T) {
	pool := newDatagramPool(2)

	elem := pool.GetElement()
	buffer, ok := elem.Data.(*Payload)
	if !ok {
		t.Fatalf("expected *Payload in the pool, got %T", elem.Data)
	}
	if len(buffer.Buffer()) != MaxDatagramSize {
		t.Fatalf("expected a %d byte buffer, got %d", MaxDatagramSize, len(buffer.Buffer()))
	}

	n := copy(buffer.Buffer(), "datagram")
	buffer.SetLength(n)
	if !bytes.Equal(buffer.GetSlice(), []byte("datagram")) {
		t.Errorf("expected %q, got %q", "datagram", buffer.GetSlice())
	}

	buffer.Reset()
	if len(buffer.GetSlice()) != 0 {
		t.Errorf("expected an empty slice after Reset, got %d bytes", len(buffer.GetSlice()))
	}
	pool.ReturnElement(elem)
}

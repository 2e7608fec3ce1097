package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

type sample struct {
	Action string   `json:"action"`
	Count  int      `json:"count"`
	Tags   []string `json:"tags,omitempty"`
}

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := sample{Action: "checkin", Count: 3}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out sample
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action != "checkin" || out.Count != 3 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodecUsesJSONTags(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	b, err := c.Marshal(sample{Action: "get_tasking", Count: 42})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := c.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if generic["action"] != "get_tasking" {
		t.Fatalf("json tag not honoured: %#v", generic)
	}
	var out sample
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 42 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestProtoCodecNative(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestProtoCodecPlainStruct(t *testing.T) {
	c := Proto()
	b, err := c.Marshal(sample{Action: "checkin", Count: 7, Tags: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out sample
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Action != "checkin" || out.Count != 7 || len(out.Tags) != 2 {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestProtoCodecRejectsScalar(t *testing.T) {
	if _, err := Proto().Marshal(12); err == nil {
		t.Fatalf("expected error for non-object value")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []string{"application/json", "application/cbor", "application/x-protobuf"} {
		if _, ok := r.Lookup(ct); !ok {
			t.Fatalf("built-in %s missing", ct)
		}
	}
	if _, ok := r.Lookup("text/plain"); ok {
		t.Fatalf("unexpected codec for text/plain")
	}
	r.Register(upper{})
	c, ok := r.Lookup("application/json")
	if !ok || c.ContentType() != "application/json" {
		t.Fatalf("lookup after replace: %v %v", c, ok)
	}
	if _, isUpper := c.(upper); !isUpper {
		t.Fatalf("Register did not replace the json codec")
	}
}

type upper struct{ jsonCodec }

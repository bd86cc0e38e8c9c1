package decode

import (
	"testing"
	"time"
)

type framePayload struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	IsTyping bool   `json:"is_typing"`
	UserID   int64  `json:"user_id"`
}

func TestMap_WeakTypes(t *testing.T) {
	m, err := JSONObject([]byte(`{"type":"typing","is_typing":"true","user_id":"42"}`))
	if err != nil {
		t.Fatalf("JSONObject() error = %v", err)
	}
	got, err := Map[framePayload](m)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if got.Type != "typing" || !got.IsTyping || got.UserID != 42 {
		t.Fatalf("Map() = %+v", got)
	}
}

func TestMap_JSONNumber(t *testing.T) {
	m, err := JSONObject([]byte(`{"user_id": 9007199254740993}`))
	if err != nil {
		t.Fatalf("JSONObject() error = %v", err)
	}
	got, err := Map[framePayload](m)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if got.UserID != 9007199254740993 {
		t.Fatalf("UserID = %d, precision lost", got.UserID)
	}
}

func TestJSONObject_Rejects(t *testing.T) {
	for _, raw := range []string{``, `[]`, `"x"`, `{`, `null`} {
		if _, err := JSONObject([]byte(raw)); err == nil {
			t.Errorf("JSONObject(%q) error = nil", raw)
		}
	}
}

func TestInto_KeepsDefaultsAndParsesDurations(t *testing.T) {
	type conf struct {
		Addr    string        `yaml:"addr"`
		Timeout time.Duration `yaml:"timeout"`
		Peers   []string      `yaml:"peers"`
	}
	c := conf{Addr: "keep", Timeout: time.Second}
	src := map[string]any{"timeout": "250ms", "peers": "a,b"}
	if err := Into(src, &c, Options{WeaklyTypedInput: true, TagName: "yaml"}); err != nil {
		t.Fatalf("Into() error = %v", err)
	}
	if c.Addr != "keep" || c.Timeout != 250*time.Millisecond || len(c.Peers) != 2 {
		t.Fatalf("Into() = %+v", c)
	}
}

func TestReadInt64(t *testing.T) {
	m := map[string]any{"a": float64(3), "b": "7", "c": true}
	if v, err := ReadInt64(m, "a"); err != nil || v != 3 {
		t.Fatalf("ReadInt64(a) = %d, %v", v, err)
	}
	if v, err := ReadInt64(m, "b"); err != nil || v != 7 {
		t.Fatalf("ReadInt64(b) = %d, %v", v, err)
	}
	if _, err := ReadInt64(m, "c"); err == nil {
		t.Fatal("ReadInt64(c) error = nil")
	}
	if _, err := ReadInt64(m, "missing"); err == nil {
		t.Fatal("ReadInt64(missing) error = nil")
	}
}

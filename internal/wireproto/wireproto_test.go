package wireproto

import (
	"encoding/json"
	"testing"
)

func TestRequestKindDiscrimination(t *testing.T) {
	req := Request{
		Kind: KindPing,
		Ping: &PingReq{Nonce: "abc"},
	}
	b, err := json.Marshal(Envelope{Hello: Hello{ServerVersion: ProtoVersion}, Request: &req})
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatal(err)
	}
	if env.Request.Kind != KindPing || env.Request.Ping == nil || env.Request.Ping.Nonce != "abc" {
		t.Fatalf("round trip mismatch: %+v", env.Request)
	}
}

func TestErrorResponseRoundTrip(t *testing.T) {
	resp := Response{
		ServerProtoVersion: ProtoVersion,
		Error:              &ErrorBody{Code: ErrProtoVersionMismatch, Message: "client too old"},
	}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var out Response
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Code != ErrProtoVersionMismatch {
		t.Fatalf("got %+v", out)
	}
}

func TestDoctorResponseTopLevelKeys(t *testing.T) {
	resp := PkgDoctorResp{OK: true}
	b, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["ok"]; !ok {
		t.Fatalf("missing ok key: %s", b)
	}
}

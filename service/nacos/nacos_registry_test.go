package nacos

import (
	"errors"
	"testing"

	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"PPChat/tools/errs"
)

type fakeNaming struct {
	registered   []vo.RegisterInstanceParam
	deregistered int
	closed       bool
	failRegister error
}

func (f *fakeNaming) RegisterInstance(p vo.RegisterInstanceParam) (bool, error) {
	if f.failRegister != nil {
		return false, f.failRegister
	}
	f.registered = append(f.registered, p)
	return true, nil
}

func (f *fakeNaming) DeregisterInstance(vo.DeregisterInstanceParam) (bool, error) {
	f.deregistered++
	return true, nil
}

func (f *fakeNaming) CloseClient() { f.closed = true }

func testConfig() Config {
	return Config{ServiceName: "ppchat-gateway", IP: "10.0.0.7", Port: 8080}
}

func TestRegistry_RegisterMergesMetadata(t *testing.T) {
	f := &fakeNaming{}
	r, err := newRegistry(testConfig(), f, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(map[string]string{"node": "gw-1"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(map[string]string{"grpc_port": "50051"}); err != nil {
		t.Fatal(err)
	}
	if len(f.registered) != 2 || f.deregistered != 1 {
		t.Fatalf("register=%d deregister=%d", len(f.registered), f.deregistered)
	}
	last := f.registered[1]
	if last.Metadata["node"] != "gw-1" || last.Metadata["grpc_port"] != "50051" {
		t.Fatalf("metadata = %v", last.Metadata)
	}
	if last.GroupName != "DEFAULT_GROUP" || last.Ip != "10.0.0.7" || !last.Ephemeral {
		t.Fatalf("param = %+v", last)
	}
}

func TestRegistry_CloseDeregistersOnce(t *testing.T) {
	f := &fakeNaming{}
	r, _ := newRegistry(testConfig(), f, nil)
	_ = r.Register(nil)
	r.Deregister()
	_ = r.Close()
	if f.deregistered != 1 || !f.closed {
		t.Fatalf("deregistered=%d closed=%v", f.deregistered, f.closed)
	}
}

func TestRegistry_RegisterFailureIsUpstream(t *testing.T) {
	f := &fakeNaming{failRegister: errors.New("connection refused")}
	r, _ := newRegistry(testConfig(), f, nil)
	err := r.Register(nil)
	if !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("Register() error = %v, want upstream", err)
	}
	r.Deregister()
	if f.deregistered != 0 {
		t.Fatal("deregistered an instance that never registered")
	}
}

func TestServerConfigs(t *testing.T) {
	got, err := serverConfigs([]string{"127.0.0.1:8848", " nacos:8849 "})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[1].IpAddr != "nacos" || got[1].Port != 8849 {
		t.Fatalf("servers = %+v", got)
	}
	for _, bad := range [][]string{nil, {"nacos"}, {"nacos:port"}} {
		if _, err := serverConfigs(bad); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("serverConfigs(%v) error = %v", bad, err)
		}
	}
}

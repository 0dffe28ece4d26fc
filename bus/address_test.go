package bus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    []Address
		wantErr bool
	}{
		{in: "unix:path=/run/user/1000/bus", want: []Address{{Path: "/run/user/1000/bus"}}},
		{in: "unix:abstract=/tmp/dbus-XyZ,guid=1234", want: []Address{{Path: "/tmp/dbus-XyZ", Abstract: true}}},
		{in: "unix:guid=1234,path=/tmp/a%20b", want: []Address{{Path: "/tmp/a b"}}},
		{
			in: "tcp:host=localhost,port=1234;unix:path=/a;unix:abstract=b",
			want: []Address{
				{Path: "/a"},
				{Path: "b", Abstract: true},
			},
		},
		{in: "unix:path=/a;", want: []Address{{Path: "/a"}}},
		{in: "", wantErr: true},
		{in: "tcp:host=localhost", wantErr: true},
		{in: "unix:guid=1234", wantErr: true},
		{in: "unix", wantErr: true},
		{in: "unix:path", wantErr: true},
		{in: "unix:path=%zz", wantErr: true},
	}

	for _, tc := range tests {
		got, err := ParseAddress(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q) got err: %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("ParseAddress(%q) wrong (-got+want):\n%s", tc.in, diff)
		}
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		in   Address
		want string
	}{
		{Address{Path: "/run/user/1000/bus"}, "unix:path=/run/user/1000/bus"},
		{Address{Path: "/tmp/a b"}, "unix:path=/tmp/a%20b"},
		{Address{Path: "dbus-test", Abstract: true}, "unix:abstract=dbus-test"},
	}
	for _, tc := range tests {
		if got := tc.in.String(); got != tc.want {
			t.Errorf("%#v.String() = %q, want %q", tc.in, got, tc.want)
		}
		back, err := ParseAddress(tc.want)
		if err != nil {
			t.Errorf("ParseAddress(%q) got err: %v", tc.want, err)
			continue
		}
		if diff := cmp.Diff(back, []Address{tc.in}); diff != "" {
			t.Errorf("ParseAddress(%q) wrong (-got+want):\n%s", tc.want, diff)
		}
	}
}

func TestSessionBusAddress(t *testing.T) {
	t.Setenv(envSessionBus, "unix:path=/from/env")
	got, err := SessionBusAddress()
	if err != nil {
		t.Fatalf("SessionBusAddress() got err: %v", err)
	}
	if diff := cmp.Diff(got, []Address{{Path: "/from/env"}}); diff != "" {
		t.Errorf("SessionBusAddress() wrong (-got+want):\n%s", diff)
	}

	dir := t.TempDir()
	t.Setenv(envSessionBus, "")
	t.Setenv("XDG_RUNTIME_DIR", dir)
	if _, err := SessionBusAddress(); err == nil {
		t.Error("SessionBusAddress() with no bus socket succeeded, want error")
	}

	sock := filepath.Join(dir, "bus")
	if err := os.WriteFile(sock, nil, 0600); err != nil {
		t.Fatal(err)
	}
	got, err = SessionBusAddress()
	if err != nil {
		t.Fatalf("SessionBusAddress() got err: %v", err)
	}
	if diff := cmp.Diff(got, []Address{{Path: sock}}); diff != "" {
		t.Errorf("SessionBusAddress() wrong (-got+want):\n%s", diff)
	}
}

func TestSystemBusAddress(t *testing.T) {
	t.Setenv(envSystemBus, "")
	got, err := SystemBusAddress()
	if err != nil {
		t.Fatalf("SystemBusAddress() got err: %v", err)
	}
	if diff := cmp.Diff(got, []Address{{Path: defaultSystemBusSocket}}); diff != "" {
		t.Errorf("SystemBusAddress() wrong (-got+want):\n%s", diff)
	}
}

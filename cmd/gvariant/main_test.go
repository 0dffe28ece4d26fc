package main

import (
	"regexp"
	"testing"

	"github.com/danderson/gvariant/bus"
	"github.com/google/go-cmp/cmp"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		sig     string
		args    []string
		want    string
		wantErr bool
	}{
		{"s", []string{"hello"}, "('hello',)", false},
		{"iu", []string{"-1", "0x10"}, "(-1, uint32 16)", false},
		{"sv", []string{"a", "u:42"}, "('a', <uint32 42>)", false},
		{"b", []string{"true"}, "(true,)", false},
		{"i", []string{"one"}, "", true},
		{"ii", []string{"1"}, "", true},
		{"as", []string{"a"}, "", true},
		{"v", []string{"42"}, "", true},
		{"v", []string{"(:42"}, "", true},
	}
	for _, tc := range tests {
		v, err := buildArgs(tc.sig, tc.args)
		if tc.wantErr {
			if err == nil {
				t.Errorf("buildArgs(%q, %q) = %s, want error", tc.sig, tc.args, v)
				v.Release()
			}
			continue
		}
		if err != nil {
			t.Errorf("buildArgs(%q, %q) got err: %v", tc.sig, tc.args, err)
			continue
		}
		if got := v.String(); got != tc.want {
			t.Errorf("buildArgs(%q, %q) = %s, want %s", tc.sig, tc.args, got, tc.want)
		}
		v.Release()
	}
}

func TestSortedInterfaces(t *testing.T) {
	desc := &bus.ObjectDescription{
		Interfaces: map[string]*bus.InterfaceDescription{
			"org.freedesktop.DBus.Peer":           {},
			"org.freedesktop.DBus.Introspectable": {},
			"org.example.B":                       {},
			"org.example.A":                       {},
			"com.other.C":                         {},
		},
	}
	tests := []struct {
		filter string
		want   []string
	}{
		{"", []string{"com.other.C", "org.example.A", "org.example.B"}},
		{"^org", []string{"org.example.A", "org.example.B"}},
		{"org.freedesktop.DBus.Peer", []string{"org.freedesktop.DBus.Peer"}},
	}
	for _, tc := range tests {
		got := sortedInterfaces(desc, regexp.MustCompile(tc.filter))
		if diff := cmp.Diff(got, tc.want); diff != "" {
			t.Errorf("sortedInterfaces(%q) wrong (-got+want):\n%s", tc.filter, diff)
		}
	}
}

package discovery

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   []string
		want []string
	}{
		{nil, nil},
		{[]string{""}, nil},
		{[]string{"b:1", "a:1"}, []string{"a:1", "b:1"}},
		{[]string{" a:1 , b:2 ", "b:2"}, []string{"a:1", "b:2"}},
		{[]string{",,a:1, ,b:2,"}, []string{"a:1", "b:2"}},
	}
	for _, c := range cases {
		if got := Normalize(c.in...); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Normalize(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestWithout(t *testing.T) {
	got := Without([]string{"a:1", "b:1", "a:1"}, "a:1")
	if !reflect.DeepEqual(got, []string{"b:1"}) {
		t.Fatalf("Without = %#v", got)
	}
}

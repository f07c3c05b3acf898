package status

import "testing"

func TestTable_Message(t *testing.T) {
	tb := DefaultTable()
	cases := []struct {
		code Code
		args []any
		want string
	}{
		{Success, nil, "success"},
		{UnknownError, nil, "unknown error"},
		{CommandUnsupported, nil, "command type not supported"},
		{CommandUnsupported, []any{9999}, "command type not supported: 9999"},
		{ParamError, []any{"topic"}, "invalid parameter: topic"},
		{PartitionGroupNotFound, []any{"orders", 3}, "partition group not found: orders/3"},
		{Code(1234), nil, "unknown error"},
	}
	for _, tc := range cases {
		if got := tb.Message(tc.code, tc.args...); got != tc.want {
			t.Fatalf("Message(%d, %v) = %q, want %q", tc.code, tc.args, got, tc.want)
		}
	}
}

func TestTable_CopiesInput(t *testing.T) {
	src := map[Code]string{Success: "ok"}
	tb := NewTable(src)
	src[Success] = "changed"
	if got := tb.Message(Success); got != "ok" {
		t.Fatalf("table aliased input map: %q", got)
	}
	if tb.Known(UnknownError) {
		t.Fatalf("unexpected known code")
	}
	if got := tb.Message(UnknownError); got != "status 1" {
		t.Fatalf("fallback = %q", got)
	}
}

func TestDefaultTable_BuiltOnce(t *testing.T) {
	if DefaultTable() != DefaultTable() {
		t.Fatalf("DefaultTable rebuilt on each call")
	}
}

package status

import (
	"fmt"
	"strings"
	"sync"
)

// Code is the status carried by a response header. Zero means success.
type Code int16

const (
	Success                Code = 0
	UnknownError           Code = 1
	CommandUnsupported     Code = 2
	ParamError             Code = 3
	NotLeader              Code = 4
	PartitionGroupNotFound Code = 5
	ServiceUnavailable     Code = 6
	CodecError             Code = 7
)

// Table maps status codes to canonical message templates. Templates may take
// positional fmt arguments. A Table is built once at startup and only read
// afterwards, so it is safe for concurrent use.
type Table struct {
	messages map[Code]string
}

// NewTable returns a table holding a copy of messages.
func NewTable(messages map[Code]string) *Table {
	t := &Table{messages: make(map[Code]string, len(messages))}
	for k, v := range messages {
		t.messages[k] = v
	}
	return t
}

// DefaultTable returns the broker's canonical status messages. The table is
// built on first use and shared by every caller.
func DefaultTable() *Table { return defaultTable() }

var defaultTable = sync.OnceValue(func() *Table {
	return NewTable(map[Code]string{
		Success:                "success",
		UnknownError:           "unknown error",
		CommandUnsupported:     "command type not supported: %d",
		ParamError:             "invalid parameter: %s",
		NotLeader:              "node is not the leader",
		PartitionGroupNotFound: "partition group not found: %s/%d",
		ServiceUnavailable:     "service unavailable",
		CodecError:             "malformed command: %s",
	})
})

// Message renders the template registered for code. Codes without a template
// fall back to the unknown error message. Missing arguments are trimmed from
// the rendered text rather than printed as fmt noise.
func (t *Table) Message(code Code, args ...any) string {
	tpl, ok := t.messages[code]
	if !ok {
		tpl, ok = t.messages[UnknownError]
		if !ok {
			return fmt.Sprintf("status %d", code)
		}
	}
	if len(args) == 0 {
		return bare(tpl)
	}
	return fmt.Sprintf(tpl, args...)
}

// Known reports whether code has a template.
func (t *Table) Known(code Code) bool {
	_, ok := t.messages[code]
	return ok
}

// bare cuts a template at its first verb so that argument-less lookups read
// naturally ("invalid parameter" rather than "invalid parameter: %!s(MISSING)").
func bare(tpl string) string {
	i := strings.IndexByte(tpl, '%')
	if i < 0 {
		return tpl
	}
	return strings.TrimRight(tpl[:i], " :")
}

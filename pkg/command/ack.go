package command

import (
	"strings"

	"github.com/amirimatin/go-broker/pkg/command/status"
)

// AckBuilder produces boolean acknowledgements with messages taken from a
// status table when the caller does not supply one.
type AckBuilder struct {
	table *status.Table
}

// NewAckBuilder binds a builder to table. A nil table selects the default one.
func NewAckBuilder(table *status.Table) *AckBuilder {
	if table == nil {
		table = status.DefaultTable()
	}
	return &AckBuilder{table: table}
}

// Table returns the status table used for canonical messages.
func (b *AckBuilder) Table() *status.Table { return b.table }

// Success returns a successful acknowledgement with no error text.
func (b *AckBuilder) Success() *Command {
	return b.Build(status.Success, "")
}

// Failure returns an acknowledgement carrying code. A blank message is
// replaced by the canonical message for code.
func (b *AckBuilder) Failure(code status.Code, message string) *Command {
	return b.Build(code, message)
}

// Failuref renders the canonical template for code with args.
func (b *AckBuilder) Failuref(code status.Code, args ...any) *Command {
	return b.Build(code, b.table.Message(code, args...))
}

// Build is the general form: success drops message, failures fall back to the
// canonical message when message is blank.
func (b *AckBuilder) Build(code status.Code, message string) *Command {
	if code != status.Success && strings.TrimSpace(message) == "" {
		message = b.table.Message(code)
	}
	return NewResponse(BooleanAck{}, code, message)
}

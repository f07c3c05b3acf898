package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/amirimatin/go-broker/pkg/command"
)

// FieldWriter receives payload fields. Field numbers are stable per schema and
// identify fields in tagged encodings; positional encodings ignore them and
// rely on call order instead, so schemas must write and read in the same order.
type FieldWriter interface {
	Bool(num int, v bool)
	Int32(num int, v int32)
	String(num int, v string)
	Strings(num int, v []string)
}

// FieldReader is the decoding counterpart of FieldWriter. Errors are sticky
// and reported by Err once the schema has read every field.
type FieldReader interface {
	Bool(num int) bool
	Int32(num int) int32
	String(num int) string
	Strings(num int) []string
	Err() error
}

// Schema describes how one payload type maps onto fields.
type Schema struct {
	Type   command.Type
	Name   string
	Encode func(w FieldWriter, p command.Payload) error
	Decode func(r FieldReader) (command.Payload, error)
}

// SchemaOf builds a Schema for the payload type P.
func SchemaOf[P command.Payload](name string, enc func(w FieldWriter, p P), dec func(r FieldReader) P) Schema {
	var zero P
	t := zero.Type()
	return Schema{
		Type: t,
		Name: name,
		Encode: func(w FieldWriter, p command.Payload) error {
			v, ok := p.(P)
			if !ok {
				return fmt.Errorf("%w: %T is not %s", ErrMalformed, p, name)
			}
			enc(w, v)
			return nil
		},
		Decode: func(r FieldReader) (command.Payload, error) {
			v := dec(r)
			if err := r.Err(); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

var (
	ErrDuplicateType  = errors.New("codec: payload type already registered")
	ErrRegistrySealed = errors.New("codec: registry sealed")
)

// Registry maps type codes to payload schemas. It is populated at startup and
// sealed before the first encode or decode; lookups on a sealed registry take
// no lock.
type Registry struct {
	schemas map[command.Type]Schema
	sealed  bool
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[command.Type]Schema)}
}

// Register adds s. A type code may be registered once.
func (r *Registry) Register(s Schema) error {
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.schemas[s.Type]; ok {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicateType, s.Type, s.Name)
	}
	r.schemas[s.Type] = s
	return nil
}

// MustRegister is Register for static tables.
func (r *Registry) MustRegister(schemas ...Schema) *Registry {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal freezes the registry.
func (r *Registry) Seal() *Registry {
	r.sealed = true
	return r
}

func (r *Registry) Sealed() bool { return r.sealed }

func (r *Registry) Lookup(t command.Type) (Schema, bool) {
	s, ok := r.schemas[t]
	return s, ok
}

// Types lists registered codes in ascending order.
func (r *Registry) Types() []command.Type {
	out := make([]command.Type, 0, len(r.schemas))
	for t := range r.schemas {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry returns a sealed registry holding every broker payload.
func DefaultRegistry() *Registry {
	return NewRegistry().MustRegister(
		SchemaOf("BooleanAck",
			func(FieldWriter, command.BooleanAck) {},
			func(FieldReader) command.BooleanAck { return command.BooleanAck{} }),
		SchemaOf("UpdatePartitionGroup",
			func(w FieldWriter, p command.UpdatePartitionGroup) { writeGroup(w, p.Group) },
			func(r FieldReader) command.UpdatePartitionGroup {
				return command.UpdatePartitionGroup{Group: readGroup(r)}
			}),
		SchemaOf("GetPartitionGroupLeader",
			func(w FieldWriter, p command.GetPartitionGroupLeader) {
				w.String(1, p.Topic)
				w.Int32(2, p.Group)
			},
			func(r FieldReader) command.GetPartitionGroupLeader {
				return command.GetPartitionGroupLeader{Topic: r.String(1), Group: r.Int32(2)}
			}),
		SchemaOf("PartitionGroupLeaderAck",
			func(w FieldWriter, p command.PartitionGroupLeaderAck) { writeGroup(w, p.Group) },
			func(r FieldReader) command.PartitionGroupLeaderAck {
				return command.PartitionGroupLeaderAck{Group: readGroup(r)}
			}),
	).Seal()
}

func writeGroup(w FieldWriter, g command.PartitionGroup) {
	w.String(1, g.Topic)
	w.Int32(2, g.Group)
	w.String(3, g.Leader)
	w.Strings(4, g.Replicas)
	w.Int32(5, g.Term)
}

func readGroup(r FieldReader) command.PartitionGroup {
	return command.PartitionGroup{
		Topic:    r.String(1),
		Group:    r.Int32(2),
		Leader:   r.String(3),
		Replicas: r.Strings(4),
		Term:     r.Int32(5),
	}
}

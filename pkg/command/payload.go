package command

// Type codes of the payloads known to the broker.
const (
	TypeBooleanAck                 Type = 100
	TypeGetPartitionGroupLeader    Type = 210
	TypeGetPartitionGroupLeaderAck Type = 211
	TypeLeaderChangePartitionGroup Type = 220
)

// Payload is the typed body of a command. Every variant declares the code it
// is registered under.
type Payload interface {
	Type() Type
}

// PartitionGroup is the read-only view of a replicated partition group as
// carried on the wire.
type PartitionGroup struct {
	Topic    string
	Group    int32
	Leader   string
	Replicas []string
	Term     int32
}

// normalized returns g with an empty replica set spelled as nil, the form
// every codec decodes to.
func (g PartitionGroup) normalized() PartitionGroup {
	if len(g.Replicas) == 0 {
		g.Replicas = nil
	}
	return g
}

// canonicalizer is implemented by payloads with more than one in-memory
// spelling of the same wire value.
type canonicalizer interface {
	canonical() Payload
}

func canonical(p Payload) Payload {
	if c, ok := p.(canonicalizer); ok {
		return c.canonical()
	}
	return p
}

// BooleanAck is the body-less acknowledgement; the header status is the result.
type BooleanAck struct{}

func (BooleanAck) Type() Type { return TypeBooleanAck }

// UpdatePartitionGroup announces a new leader for a partition group.
type UpdatePartitionGroup struct {
	Group PartitionGroup
}

func (UpdatePartitionGroup) Type() Type { return TypeLeaderChangePartitionGroup }

func (p UpdatePartitionGroup) canonical() Payload {
	p.Group = p.Group.normalized()
	return p
}

// GetPartitionGroupLeader asks a node for its view of a group's leader.
type GetPartitionGroupLeader struct {
	Topic string
	Group int32
}

func (GetPartitionGroupLeader) Type() Type { return TypeGetPartitionGroupLeader }

// PartitionGroupLeaderAck answers GetPartitionGroupLeader.
type PartitionGroupLeaderAck struct {
	Group PartitionGroup
}

func (PartitionGroupLeaderAck) Type() Type { return TypeGetPartitionGroupLeaderAck }

func (p PartitionGroupLeaderAck) canonical() Payload {
	p.Group = p.Group.normalized()
	return p
}

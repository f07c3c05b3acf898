package broker

import (
	"errors"

	"go.uber.org/zap"

	"github.com/amirimatin/go-broker/pkg/codec"
	"github.com/amirimatin/go-broker/pkg/command"
	"github.com/amirimatin/go-broker/pkg/discovery"
	"github.com/amirimatin/go-broker/pkg/dispatch"
	"github.com/amirimatin/go-broker/pkg/election"
	"github.com/amirimatin/go-broker/pkg/transport"
)

// Options carries the components a Broker is assembled from. Instances are
// usually produced by bootstrap.Build.
type Options struct {
	// NodeID identifies this broker. Required.
	NodeID string
	// Advertise is the address peers reach this broker at; it is excluded
	// from announcements.
	Advertise string
	Logger    *zap.Logger

	// Election owns partition group leadership. Required. When it also
	// implements consensus.Consensus it is started and stopped with the
	// broker.
	Election election.Service

	// Factories lists the wire versions the transports speak, for Status.
	// Factories and Acks default to the built-in codecs and status table.
	Factories *codec.Factories
	Acks      *command.AckBuilder

	// Server receives commands from peers (optional).
	Server transport.Server
	// Client and Discovery enable Announce and Query (optional).
	Client    transport.Client
	Discovery discovery.Discovery
	// AnnounceLimit bounds concurrent announcement requests (0 = unbounded).
	AnnounceLimit int

	// Handlers are registered next to the built-in ones.
	Handlers []dispatch.TypedHandler

	// OnLeaderChange is called for every applied change when Election
	// publishes them. It runs synchronously with the apply.
	OnLeaderChange func(ev election.Event)
}

// Validate performs a minimal validation of Options without network activity.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("broker: empty NodeID")
	}
	if o.Election == nil {
		return errors.New("broker: nil Election")
	}
	return nil
}

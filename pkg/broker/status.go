package broker

import "github.com/amirimatin/go-broker/pkg/command"

// Status is a JSON-serializable snapshot of this broker's view.
type Status struct {
	NodeID string `json:"nodeId"`
	// Healthy is true when the broker runs and, for replicated elections, a
	// controller is known.
	Healthy bool   `json:"healthy"`
	Addr    string `json:"addr,omitempty"`
	// Controller fields are set when the election is replicated.
	Term           uint64 `json:"term,omitempty"`
	ControllerID   string `json:"controllerId,omitempty"`
	ControllerAddr string `json:"controllerAddr,omitempty"`
	IsController   bool   `json:"isController"`

	WireVersions []int                    `json:"wireVersions"`
	Groups       []command.PartitionGroup `json:"groups,omitempty"`
	Peers        []string                 `json:"peers,omitempty"`
	Warnings     []string                 `json:"warnings,omitempty"`
}

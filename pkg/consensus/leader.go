package consensus

// ControllerInfo describes the currently known controller.
type ControllerInfo struct {
	ID   string
	Addr string
	Term uint64
}

// ControllerNotifier is optionally implemented by a Consensus. The channel is
// buffered and lossy; readers only care about the latest value.
type ControllerNotifier interface {
	ControllerCh() <-chan ControllerInfo
}

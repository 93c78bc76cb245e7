package events

import "time"

// NodeStart is emitted before an execution node runs. Seq identifies this
// run of the node within the process; Parent is the Seq of the node that ran
// it, or zero for a plan's root.
type NodeStart struct {
	RequestToken string
	Kind         string
	Depth        int
	Seq          uint64
	Parent       uint64
}

// NodeFinish is emitted after an execution node returns.
type NodeFinish struct {
	RequestToken string
	Kind         string
	Depth        int
	Seq          uint64
	Err          error
	Duration     time.Duration
}

// StoreExecute is emitted after a store executor handles a node.
type StoreExecute struct {
	RequestToken  string
	Node          uint64
	StoreType     string
	Kind          string
	ConnectionKey string
	Err           error
	Duration      time.Duration
}

// GraphFetchBatch is emitted for every parent batch of a global graph fetch.
type GraphFetchBatch struct {
	RequestToken string
	Parents      int
	CacheHits    int
	Duration     time.Duration
}

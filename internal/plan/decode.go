package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMissingType is returned when a tagged value has no `_type`.
	ErrMissingType = errors.New("plan: missing _type discriminator")
	// ErrUnknownType is returned for an unrecognised connection, auth
	// strategy or plan `_type`.
	ErrUnknownType = errors.New("plan: unknown _type")
	// ErrNullChild is returned for a null entry in a graph fetch node's
	// children.
	ErrNullChild = errors.New("plan: null graph fetch child")
)

var nodeFactories = map[NodeKind]func() Node{
	KindSequence:                  func() Node { return &SequenceNode{} },
	KindAllocation:                func() Node { return &AllocationNode{} },
	KindConstant:                  func() Node { return &ConstantNode{} },
	KindConditional:               func() Node { return &ConditionalNode{} },
	KindError:                     func() Node { return &ErrorNode{} },
	KindMultiResultSequence:       func() Node { return &MultiResultSequenceNode{} },
	KindRelational:                func() Node { return &RelationalNode{} },
	KindRelationalTempTableFetch:  func() Node { return &RelationalTempTableFetchNode{} },
	KindGlobalGraphFetch:          func() Node { return &GlobalGraphFetchNode{} },
	KindInMemoryRootGraphFetch:    func() Node { return &InMemoryRootGraphFetchNode{} },
	KindInMemoryCrossStoreFetch:   func() Node { return &InMemoryCrossStoreFetchNode{} },
	KindExternalFormatSerialize:   func() Node { return &ExternalFormatSerializeNode{} },
	KindExternalFormatDeserialize: func() Node { return &ExternalFormatDeserializeNode{} },
	KindServiceStore:              func() Node { return &ServiceStoreNode{} },
	KindMongo:                     func() Node { return &MongoNode{} },
	KindElasticsearch:             func() Node { return &ElasticsearchNode{} },
}

// UnknownNode keeps a node whose `_type` this package does not model. The
// executor hands it to extension executors or rejects it.
type UnknownNode struct {
	NodeBase
	Type NodeKind
	Raw  json.RawMessage
}

func (n *UnknownNode) Kind() NodeKind { return n.Type }

func readType(data []byte) (string, error) {
	var head struct {
		Type *string `json:"_type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Type == nil || *head.Type == "" {
		return "", ErrMissingType
	}
	return *head.Type, nil
}

// withType prepends a `_type` member to a JSON object.
func withType(kind string, obj []byte) []byte {
	tag, _ := json.Marshal(kind)
	var buf bytes.Buffer
	buf.WriteString(`{"_type":`)
	buf.Write(tag)
	if len(bytes.TrimSpace(obj)) > 2 {
		buf.WriteByte(',')
		buf.Write(bytes.TrimSpace(obj)[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes()
}

// DecodeNode decodes one node from its tagged JSON form.
func DecodeNode(data []byte) (Node, error) {
	kind, err := readType(data)
	if err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	f, ok := nodeFactories[NodeKind(kind)]
	if !ok {
		n := &UnknownNode{Type: NodeKind(kind), Raw: append(json.RawMessage(nil), data...)}
		if err := json.Unmarshal(data, &n.NodeBase); err != nil {
			return nil, fmt.Errorf("decode %s node: %w", kind, err)
		}
		return n, nil
	}
	n := f()
	if err := json.Unmarshal(data, n); err != nil {
		return nil, fmt.Errorf("decode %s node: %w", kind, err)
	}
	return n, nil
}

// EncodeNode encodes n with its `_type` tag.
func EncodeNode(n Node) ([]byte, error) {
	if u, ok := n.(*UnknownNode); ok {
		return u.Raw, nil
	}
	b, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return withType(string(n.Kind()), b), nil
}

// Nodes is an ordered list of child nodes.
type Nodes []Node

func (ns *Nodes) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Nodes, 0, len(raws))
	for _, r := range raws {
		n, err := DecodeNode(r)
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*ns = out
	return nil
}

func (ns Nodes) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, len(ns))
	for i, n := range ns {
		b, err := EncodeNode(n)
		if err != nil {
			return nil, err
		}
		raws[i] = b
	}
	return json.Marshal(raws)
}

// NodeRef holds an optional single node.
type NodeRef struct {
	Node
}

func (r *NodeRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		r.Node = nil
		return nil
	}
	n, err := DecodeNode(data)
	if err != nil {
		return err
	}
	r.Node = n
	return nil
}

func (r NodeRef) MarshalJSON() ([]byte, error) {
	if r.Node == nil {
		return []byte("null"), nil
	}
	return EncodeNode(r.Node)
}

// ConnectionRef holds a tagged connection.
type ConnectionRef struct {
	Connection
}

func (r *ConnectionRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	kind, err := readType(data)
	if err != nil {
		return fmt.Errorf("decode connection: %w", err)
	}
	var c Connection
	switch kind {
	case "relational", "RelationalDatabaseConnection":
		c = &RelationalConnection{}
	case "service":
		c = &ServiceConnection{}
	case "mongoDB":
		c = &MongoConnection{}
	case "elasticsearch":
		c = &ElasticsearchConnection{}
	default:
		return fmt.Errorf("decode connection: %w %q", ErrUnknownType, kind)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode %s connection: %w", kind, err)
	}
	r.Connection = c
	return nil
}

func (r ConnectionRef) MarshalJSON() ([]byte, error) {
	if r.Connection == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(r.Connection)
	if err != nil {
		return nil, err
	}
	return withType(r.Connection.ConnectionKind(), b), nil
}

// AuthStrategyRef holds a tagged authentication strategy.
type AuthStrategyRef struct {
	Strategy AuthStrategy
}

func (r *AuthStrategyRef) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	kind, err := readType(data)
	if err != nil {
		return fmt.Errorf("decode authentication strategy: %w", err)
	}
	var s AuthStrategy
	switch kind {
	case "default":
		s = &DefaultAuth{}
	case "userNamePassword":
		s = &UserNamePasswordAuth{}
	case "delegatedKerberos":
		s = &DelegatedKerberosAuth{}
	default:
		return fmt.Errorf("decode authentication strategy: %w %q", ErrUnknownType, kind)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return err
	}
	r.Strategy = s
	return nil
}

func (r AuthStrategyRef) MarshalJSON() ([]byte, error) {
	if r.Strategy == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(r.Strategy)
	if err != nil {
		return nil, err
	}
	return withType(r.Strategy.StrategyKind(), b), nil
}

// Decode reads a single or composite plan from JSON.
func Decode(data []byte) (ExecutionPlan, error) {
	kind, err := readType(data)
	if err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	switch kind {
	case "single", "simple":
		p := &SingleExecutionPlan{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode single plan: %w", err)
		}
		if err := checkChildren(p.RootExecutionNode.Node); err != nil {
			return nil, fmt.Errorf("decode single plan: %w", err)
		}
		return p, nil
	case "composite":
		p := &CompositeExecutionPlan{}
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode composite plan: %w", err)
		}
		for key, sp := range p.ExecutionPlans {
			if sp == nil {
				continue
			}
			if err := checkChildren(sp.RootExecutionNode.Node); err != nil {
				return nil, fmt.Errorf("decode composite plan %q: %w", key, err)
			}
		}
		return p, nil
	default:
		return nil, fmt.Errorf("decode plan: %w %q", ErrUnknownType, kind)
	}
}

func checkChildren(root Node) error {
	var err error
	Walk(root, func(n Node) bool {
		g, ok := n.(*GlobalGraphFetchNode)
		if !ok {
			return err == nil
		}
		for i, c := range g.Children {
			if c == nil {
				err = fmt.Errorf("%w at index %d", ErrNullChild, i)
				return false
			}
		}
		return true
	})
	return err
}

// Encode writes p with its `_type` tag.
func Encode(p ExecutionPlan) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	switch p.(type) {
	case *SingleExecutionPlan:
		return withType("single", b), nil
	case *CompositeExecutionPlan:
		return withType("composite", b), nil
	}
	return nil, fmt.Errorf("encode plan: %w %T", ErrUnknownType, p)
}

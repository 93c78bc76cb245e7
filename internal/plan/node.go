package plan

// NodeKind names an execution node family. It is also the `_type`
// discriminator used in plan JSON.
type NodeKind string

const (
	KindSequence                  NodeKind = "sequence"
	KindAllocation                NodeKind = "allocation"
	KindConstant                  NodeKind = "constant"
	KindConditional               NodeKind = "freeMarkerConditionalExecutionNode"
	KindError                     NodeKind = "errorExecutionNode"
	KindMultiResultSequence       NodeKind = "multiResultSequence"
	KindRelational                NodeKind = "relational"
	KindRelationalTempTableFetch  NodeKind = "relationalTempTableGraphFetch"
	KindGlobalGraphFetch          NodeKind = "globalGraphFetchExecutionNode"
	KindInMemoryRootGraphFetch    NodeKind = "inMemoryRootGraphFetch"
	KindInMemoryCrossStoreFetch   NodeKind = "inMemoryCrossStoreGraphFetch"
	KindExternalFormatSerialize   NodeKind = "externalFormatSerialize"
	KindExternalFormatDeserialize NodeKind = "externalFormatDeserialize"
	KindServiceStore              NodeKind = "serviceStore"
	KindMongo                     NodeKind = "mongoDBExecutionNode"
	KindElasticsearch             NodeKind = "elasticsearchV7ExecutionNode"
)

// Node is one step of an execution plan. The implementations in this package
// form a closed set; nodes are built once and never mutated while executing.
type Node interface {
	Kind() NodeKind
	Base() *NodeBase
	isNode()
}

// NodeBase carries the fields every node has.
type NodeBase struct {
	ResultType      ResultType    `json:"resultType"`
	ResultSizeRange *Multiplicity `json:"resultSizeRange,omitempty"`
	ExecutionNodes  Nodes         `json:"executionNodes,omitempty"`
}

func (b *NodeBase) Base() *NodeBase { return b }
func (*NodeBase) isNode()           {}

// IsSingleRecord reports whether the node is known to produce at most one
// record.
func (b *NodeBase) IsSingleRecord() bool {
	return b.ResultSizeRange != nil && b.ResultSizeRange.IsToOne()
}

// ResultType describes the shape of a node result.
type ResultType struct {
	Kind    string      `json:"_type,omitempty"` // dataType, class, tds, void
	Type    string      `json:"dataType,omitempty"`
	Class   string      `json:"class,omitempty"`
	Columns []TDSColumn `json:"tdsColumns,omitempty"`
}

type TDSColumn struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// SequenceNode runs its children in order and yields the last result.
// Parallel sequences run every child but the last concurrently.
type SequenceNode struct {
	NodeBase
	Parallel bool `json:"parallel,omitempty"`
}

// AllocationNode binds the result of its single child under VarName.
type AllocationNode struct {
	NodeBase
	VarName         string `json:"varName"`
	RealizeInMemory bool   `json:"realizeInMemory,omitempty"`
}

type ConstantNode struct {
	NodeBase
	Values any `json:"values"`
}

// ConditionalNode evaluates Condition against the bindings and runs one of
// its blocks.
type ConditionalNode struct {
	NodeBase
	Condition  string  `json:"freeMarkerBooleanExpression"`
	TrueBlock  NodeRef `json:"trueBlock"`
	FalseBlock NodeRef `json:"falseBlock"`
}

type ErrorNode struct {
	NodeBase
	Message string `json:"message"`
}

// MultiResultSequenceNode collects every allocation child and the last
// child into one multi result.
type MultiResultSequenceNode struct {
	NodeBase
}

type RelationalNode struct {
	NodeBase
	SQL        string        `json:"sqlQuery"`
	Connection ConnectionRef `json:"connection"`
	Columns    []SQLColumn   `json:"resultColumns,omitempty"`
}

type SQLColumn struct {
	Label    string `json:"label"`
	DataType string `json:"dataType,omitempty"`
}

// RelationalTempTableFetchNode fetches children for a batch of parents by
// loading the parents' keys into a temp table that SQL joins against.
type RelationalTempTableFetchNode struct {
	NodeBase
	SQL           string        `json:"sqlQuery"`
	TempTableName string        `json:"tempTableName"`
	KeyColumns    []string      `json:"keyColumns"`
	Connection    ConnectionRef `json:"connection"`
	Class         string        `json:"class,omitempty"`
}

// GlobalGraphFetchNode is one level of a graph fetch tree. The root level
// materialises parent objects; non-root levels carry cross-store details
// describing how their objects attach to the level above.
type GlobalGraphFetchNode struct {
	NodeBase
	LocalGraphFetchExecutionNode NodeRef                 `json:"localGraphFetchExecutionNode"`
	Children                     []*GlobalGraphFetchNode `json:"children,omitempty"`
	XStore                       *XStoreDetails          `json:"xStorePropertyFetchDetails,omitempty"`
	Cache                        *CacheDetails           `json:"graphFetchCache,omitempty"`
	Checked                      bool                    `json:"checked,omitempty"`
	EnableConstraints            bool                    `json:"enableConstraints,omitempty"`
	BatchSize                    int                     `json:"batchSize,omitempty"`
	Store                        string                  `json:"store,omitempty"`
}

// XStoreDetails describes a cross-store property: which parent property it
// fills and which parent/child properties must match.
type XStoreDetails struct {
	Property                string       `json:"property"`
	SupportsCaching         bool         `json:"supportsCaching,omitempty"`
	SourceMappingID         string       `json:"sourceMappingId,omitempty"`
	SourceSetID             string       `json:"sourceSetId,omitempty"`
	TargetMappingID         string       `json:"targetMappingId,omitempty"`
	TargetSetID             string       `json:"targetSetId,omitempty"`
	TargetPropertiesOrdered []string     `json:"targetPropertiesOrdered,omitempty"`
	Keys                    []CrossKey   `json:"keys"`
	Multiplicity            Multiplicity `json:"multiplicity"`
	SubTree                 string       `json:"subTree,omitempty"`
}

// CrossKey pairs a parent property with the child property it must equal.
type CrossKey struct {
	Parent string `json:"parent"`
	Child  string `json:"child"`
}

// CacheDetails names the graph fetch cache scope for a root fetch.
type CacheDetails struct {
	MappingID     string   `json:"mappingId"`
	InstanceSetID string   `json:"instanceSetId"`
	SubTree       string   `json:"subTree"`
	EqualityKeys  []string `json:"equalityKeys"`
}

// InMemoryRootGraphFetchNode projects the records produced by its single
// child onto Class.
type InMemoryRootGraphFetchNode struct {
	NodeBase
	Class   string `json:"class"`
	Checked bool   `json:"checked,omitempty"`
}

// InMemoryCrossStoreFetchNode runs its single child with the parents' cross
// keys bound as parameters. With SupportsBatching the child runs once for the
// whole batch, otherwise once per parent.
type InMemoryCrossStoreFetchNode struct {
	NodeBase
	SupportsBatching bool `json:"supportsBatching,omitempty"`
}

type ExternalFormatSerializeNode struct {
	NodeBase
	ContentType string `json:"contentType"`
	Checked     bool   `json:"checked,omitempty"`
}

// ExternalFormatDeserializeNode decodes text bound under Source (or produced
// by its single child) into records of Class.
type ExternalFormatDeserializeNode struct {
	NodeBase
	ContentType string `json:"contentType"`
	Source      string `json:"source,omitempty"`
	Class       string `json:"class,omitempty"`
}

type ServiceStoreNode struct {
	NodeBase
	Service    string             `json:"service"`
	Method     string             `json:"method"`
	Parameters []ServiceParameter `json:"parameters,omitempty"`
	Connection ConnectionRef      `json:"connection"`
	ValuesPath string             `json:"valuesPath,omitempty"`
}

// ServiceParameter sends the binding named Binding as request field Name.
type ServiceParameter struct {
	Name     string `json:"name"`
	Binding  string `json:"binding"`
	Required bool   `json:"required,omitempty"`
}

type MongoNode struct {
	NodeBase
	DatabaseCommand string        `json:"databaseCommand"`
	Connection      ConnectionRef `json:"connection"`
}

type ElasticsearchNode struct {
	NodeBase
	Query      map[string]any `json:"query"`
	Connection ConnectionRef  `json:"connection"`
}

func (*SequenceNode) Kind() NodeKind                  { return KindSequence }
func (*AllocationNode) Kind() NodeKind                { return KindAllocation }
func (*ConstantNode) Kind() NodeKind                  { return KindConstant }
func (*ConditionalNode) Kind() NodeKind               { return KindConditional }
func (*ErrorNode) Kind() NodeKind                     { return KindError }
func (*MultiResultSequenceNode) Kind() NodeKind       { return KindMultiResultSequence }
func (*RelationalNode) Kind() NodeKind                { return KindRelational }
func (*RelationalTempTableFetchNode) Kind() NodeKind  { return KindRelationalTempTableFetch }
func (*GlobalGraphFetchNode) Kind() NodeKind          { return KindGlobalGraphFetch }
func (*InMemoryRootGraphFetchNode) Kind() NodeKind    { return KindInMemoryRootGraphFetch }
func (*InMemoryCrossStoreFetchNode) Kind() NodeKind   { return KindInMemoryCrossStoreFetch }
func (*ExternalFormatSerializeNode) Kind() NodeKind   { return KindExternalFormatSerialize }
func (*ExternalFormatDeserializeNode) Kind() NodeKind { return KindExternalFormatDeserialize }
func (*ServiceStoreNode) Kind() NodeKind              { return KindServiceStore }
func (*MongoNode) Kind() NodeKind                     { return KindMongo }
func (*ElasticsearchNode) Kind() NodeKind             { return KindElasticsearch }

// Walk visits n and its descendants depth first. Returning false from fn
// skips the node's children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Base().ExecutionNodes {
		Walk(c, fn)
	}
	switch t := n.(type) {
	case *ConditionalNode:
		Walk(t.TrueBlock.Node, fn)
		Walk(t.FalseBlock.Node, fn)
	case *GlobalGraphFetchNode:
		Walk(t.LocalGraphFetchExecutionNode.Node, fn)
		for _, c := range t.Children {
			if c != nil {
				Walk(c, fn)
			}
		}
	}
}

// CountNodes returns the number of nodes reachable from n.
func CountNodes(n Node) int {
	count := 0
	Walk(n, func(Node) bool { count++; return true })
	return count
}

// Connections returns every connection referenced under n, in visit order.
func Connections(n Node) []Connection {
	var out []Connection
	Walk(n, func(n Node) bool {
		var ref ConnectionRef
		switch t := n.(type) {
		case *RelationalNode:
			ref = t.Connection
		case *RelationalTempTableFetchNode:
			ref = t.Connection
		case *ServiceStoreNode:
			ref = t.Connection
		case *MongoNode:
			ref = t.Connection
		case *ElasticsearchNode:
			ref = t.Connection
		}
		if ref.Connection != nil {
			out = append(out, ref.Connection)
		}
		return true
	})
	return out
}

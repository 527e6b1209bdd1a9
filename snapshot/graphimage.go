package snapshot

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/maskdotdev/kitedb/graph"
	"github.com/maskdotdev/kitedb/internal/codec"
)

// NodeRecord is one node's base (checkpointed) state: labels and properties
// are stored in their own sections (NodeLabels/NodeProps) so a reader can
// fetch just the piece it needs, but the in-memory GraphImage keeps them
// alongside the node for convenient lookups.
type NodeRecord struct {
	ID     graph.NodeID
	Key    *string
	Labels map[graph.LabelID]struct{}
	Props  map[graph.PropKeyID]graph.PropValue
}

// EdgeRecord is one edge's base state.
type EdgeRecord struct {
	Key   graph.EdgeKey
	Props map[graph.PropKeyID]graph.PropValue
}

// SchemaNames is the bijective name<->id tables captured at checkpoint time.
type SchemaNames struct {
	Labels   map[graph.LabelID]string
	Etypes   map[graph.ETypeID]string
	PropKeys map[graph.PropKeyID]string
}

// GraphImage is the full in-memory decoding of a checkpoint: everything a
// reader needs to answer phys_node/node_props/iter_out_edges/lookup_by_key
// style queries without consulting the delta or MVCC layers.
type GraphImage struct {
	Nodes  map[graph.NodeID]*NodeRecord
	Edges  map[graph.EdgeKey]*EdgeRecord
	OutAdj map[graph.NodeID]map[graph.EdgeKey]struct{}
	InAdj  map[graph.NodeID]map[graph.EdgeKey]struct{}
	Schema SchemaNames
}

// NewGraphImage returns an empty image, the base a brand new database opens
// onto before its first checkpoint.
func NewGraphImage() *GraphImage {
	return &GraphImage{
		Nodes:  make(map[graph.NodeID]*NodeRecord),
		Edges:  make(map[graph.EdgeKey]*EdgeRecord),
		OutAdj: make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		InAdj:  make(map[graph.NodeID]map[graph.EdgeKey]struct{}),
		Schema: SchemaNames{
			Labels:   make(map[graph.LabelID]string),
			Etypes:   make(map[graph.ETypeID]string),
			PropKeys: make(map[graph.PropKeyID]string),
		},
	}
}

// OutEdges returns img's outgoing edge keys from node, sorted by (etype,
// dst) for a stable iteration order (§4.3's edge list sort/de-dup contract).
func (img *GraphImage) OutEdges(node graph.NodeID) []graph.EdgeKey {
	return sortedEdgeKeys(img.OutAdj[node])
}

// InEdges returns img's incoming edge keys into node, sorted the same way.
func (img *GraphImage) InEdges(node graph.NodeID) []graph.EdgeKey {
	return sortedEdgeKeys(img.InAdj[node])
}

func sortedEdgeKeys(set map[graph.EdgeKey]struct{}) []graph.EdgeKey {
	out := make([]graph.EdgeKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EType != out[j].EType {
			return out[i].EType < out[j].EType
		}
		return out[i].Dst < out[j].Dst
	})
	return out
}

// --- section byte encodings ---
//
// Every section uses the same small toolkit as the WAL payloads: varint
// lengths/counts, varint ids, and the shared PropValue codec. Sections are independent byte ranges so each can
// be serialized, checksummed and written concurrently by the checkpoint
// writer without touching a shared buffer.

func encodeNodesSection(img *GraphImage) []byte {
	ids := sortedNodeIDs(img.Nodes)
	buf := codec.PutUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		buf = codec.PutUvarint(buf, uint64(id))
	}
	return buf
}

func decodeNodesSection(data []byte) ([]graph.NodeID, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated Nodes section count")
	}
	data = data[k:]
	ids := make([]graph.NodeID, 0, n)
	for i := uint64(0); i < n; i++ {
		v, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated Nodes section entry")
		}
		ids = append(ids, graph.NodeID(v))
		data = data[k:]
	}
	return ids, nil
}

func sortedNodeIDs(nodes map[graph.NodeID]*NodeRecord) []graph.NodeID {
	ids := make([]graph.NodeID, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func encodeNodeKeysSection(img *GraphImage) []byte {
	type pair struct {
		key string
		id  graph.NodeID
	}
	var pairs []pair
	for id, rec := range img.Nodes {
		if rec.Key != nil {
			pairs = append(pairs, pair{key: *rec.Key, id: id})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	buf := codec.PutUvarint(nil, uint64(len(pairs)))
	for _, p := range pairs {
		buf = codec.PutUvarint(buf, uint64(len(p.key)))
		buf = append(buf, []byte(p.key)...)
		buf = codec.PutUvarint(buf, uint64(p.id))
	}
	return buf
}

type nodeKeyEntry struct {
	Key string
	ID  graph.NodeID
}

func decodeNodeKeysSection(data []byte) ([]nodeKeyEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated NodeKeys section count")
	}
	data = data[k:]
	out := make([]nodeKeyEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		klen, k := codec.Uvarint(data)
		if k <= 0 || uint64(len(data[k:])) < klen {
			return nil, errors.New("snapshot: truncated NodeKeys key")
		}
		data = data[k:]
		key := string(data[:klen])
		data = data[klen:]
		id, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated NodeKeys id")
		}
		data = data[k:]
		out = append(out, nodeKeyEntry{Key: key, ID: graph.NodeID(id)})
	}
	return out, nil
}

func encodeNodeLabelsSection(img *GraphImage) []byte {
	ids := sortedNodeIDs(img.Nodes)
	buf := codec.PutUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		rec := img.Nodes[id]
		labels := make([]graph.LabelID, 0, len(rec.Labels))
		for l := range rec.Labels {
			labels = append(labels, l)
		}
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		buf = codec.PutUvarint(buf, uint64(id))
		buf = codec.PutUvarint(buf, uint64(len(labels)))
		for _, l := range labels {
			buf = codec.PutUvarint(buf, uint64(l))
		}
	}
	return buf
}

type nodeLabelsEntry struct {
	Node   graph.NodeID
	Labels []graph.LabelID
}

func decodeNodeLabelsSection(data []byte) ([]nodeLabelsEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated NodeLabels section count")
	}
	data = data[k:]
	out := make([]nodeLabelsEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated NodeLabels id")
		}
		data = data[k:]
		count, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated NodeLabels count")
		}
		data = data[k:]
		labels := make([]graph.LabelID, 0, count)
		for j := uint64(0); j < count; j++ {
			l, k := codec.Uvarint(data)
			if k <= 0 {
				return nil, errors.New("snapshot: truncated NodeLabels entry")
			}
			data = data[k:]
			labels = append(labels, graph.LabelID(l))
		}
		out = append(out, nodeLabelsEntry{Node: graph.NodeID(id), Labels: labels})
	}
	return out, nil
}

func encodePropMap(buf []byte, props map[graph.PropKeyID]graph.PropValue) []byte {
	keys := make([]graph.PropKeyID, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	buf = codec.PutUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = codec.PutUvarint(buf, uint64(k))
		buf = encodePropValueSnapshot(buf, props[k])
	}
	return buf
}

func decodePropMap(data []byte) (map[graph.PropKeyID]graph.PropValue, []byte, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, nil, errors.New("snapshot: truncated prop map count")
	}
	data = data[k:]
	props := make(map[graph.PropKeyID]graph.PropValue, n)
	for i := uint64(0); i < n; i++ {
		keyID, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, nil, errors.New("snapshot: truncated prop map key")
		}
		data = data[k:]
		value, rest, err := decodePropValueSnapshot(data)
		if err != nil {
			return nil, nil, err
		}
		props[graph.PropKeyID(keyID)] = value
		data = rest
	}
	return props, data, nil
}

func encodeNodePropsSection(img *GraphImage) []byte {
	ids := sortedNodeIDs(img.Nodes)
	buf := codec.PutUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		buf = codec.PutUvarint(buf, uint64(id))
		buf = encodePropMap(buf, img.Nodes[id].Props)
	}
	return buf
}

type nodePropsEntry struct {
	Node  graph.NodeID
	Props map[graph.PropKeyID]graph.PropValue
}

func decodeNodePropsSection(data []byte) ([]nodePropsEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated NodeProps section count")
	}
	data = data[k:]
	out := make([]nodePropsEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated NodeProps id")
		}
		data = data[k:]
		props, rest, err := decodePropMap(data)
		if err != nil {
			return nil, err
		}
		data = rest
		out = append(out, nodePropsEntry{Node: graph.NodeID(id), Props: props})
	}
	return out, nil
}

func encodeEdgeKeySnapshot(buf []byte, k graph.EdgeKey) []byte {
	buf = codec.PutUvarint(buf, uint64(k.Src))
	buf = codec.PutUvarint(buf, uint64(k.EType))
	buf = codec.PutUvarint(buf, uint64(k.Dst))
	return buf
}

func decodeEdgeKeySnapshot(data []byte) (graph.EdgeKey, []byte, error) {
	src, k := codec.Uvarint(data)
	if k <= 0 {
		return graph.EdgeKey{}, nil, errors.New("snapshot: truncated edge key src")
	}
	data = data[k:]
	etype, k := codec.Uvarint(data)
	if k <= 0 {
		return graph.EdgeKey{}, nil, errors.New("snapshot: truncated edge key etype")
	}
	data = data[k:]
	dst, k := codec.Uvarint(data)
	if k <= 0 {
		return graph.EdgeKey{}, nil, errors.New("snapshot: truncated edge key dst")
	}
	data = data[k:]
	return graph.EdgeKey{Src: graph.NodeID(src), EType: graph.ETypeID(etype), Dst: graph.NodeID(dst)}, data, nil
}

func encodeAdjacencySection(img *GraphImage, out bool) []byte {
	adj := img.OutAdj
	if !out {
		adj = img.InAdj
	}
	nodeIDs := make([]graph.NodeID, 0, len(adj))
	for id := range adj {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })

	buf := codec.PutUvarint(nil, uint64(len(nodeIDs)))
	for _, id := range nodeIDs {
		var keys []graph.EdgeKey
		if out {
			keys = img.OutEdges(id)
		} else {
			keys = img.InEdges(id)
		}
		buf = codec.PutUvarint(buf, uint64(id))
		buf = codec.PutUvarint(buf, uint64(len(keys)))
		for _, ek := range keys {
			buf = encodeEdgeKeySnapshot(buf, ek)
		}
	}
	return buf
}

type adjacencyEntry struct {
	Node graph.NodeID
	Keys []graph.EdgeKey
}

func decodeAdjacencySection(data []byte) ([]adjacencyEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated adjacency section count")
	}
	data = data[k:]
	out := make([]adjacencyEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		id, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated adjacency node id")
		}
		data = data[k:]
		count, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, errors.New("snapshot: truncated adjacency count")
		}
		data = data[k:]
		keys := make([]graph.EdgeKey, 0, count)
		for j := uint64(0); j < count; j++ {
			var ek graph.EdgeKey
			var err error
			ek, data, err = decodeEdgeKeySnapshot(data)
			if err != nil {
				return nil, err
			}
			keys = append(keys, ek)
		}
		out = append(out, adjacencyEntry{Node: graph.NodeID(id), Keys: keys})
	}
	return out, nil
}

func encodeEdgePropsSection(img *GraphImage) []byte {
	keys := make([]graph.EdgeKey, 0, len(img.Edges))
	for k := range img.Edges {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Src != keys[j].Src {
			return keys[i].Src < keys[j].Src
		}
		if keys[i].EType != keys[j].EType {
			return keys[i].EType < keys[j].EType
		}
		return keys[i].Dst < keys[j].Dst
	})

	buf := codec.PutUvarint(nil, uint64(len(keys)))
	for _, k := range keys {
		buf = encodeEdgeKeySnapshot(buf, k)
		buf = encodePropMap(buf, img.Edges[k].Props)
	}
	return buf
}

type edgePropsEntry struct {
	Edge  graph.EdgeKey
	Props map[graph.PropKeyID]graph.PropValue
}

func decodeEdgePropsSection(data []byte) ([]edgePropsEntry, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, errors.New("snapshot: truncated EdgeProps section count")
	}
	data = data[k:]
	out := make([]edgePropsEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var ek graph.EdgeKey
		var err error
		ek, data, err = decodeEdgeKeySnapshot(data)
		if err != nil {
			return nil, err
		}
		var props map[graph.PropKeyID]graph.PropValue
		props, data, err = decodePropMap(data)
		if err != nil {
			return nil, err
		}
		out = append(out, edgePropsEntry{Edge: ek, Props: props})
	}
	return out, nil
}

func encodeSchemaSection(img *GraphImage) []byte {
	buf := encodeTokenMap(nil, toUint32Map(img.Schema.Labels))
	buf = encodeTokenMap(buf, toUint32MapE(img.Schema.Etypes))
	buf = encodeTokenMap(buf, toUint32MapP(img.Schema.PropKeys))
	return buf
}

func toUint32Map(m map[graph.LabelID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}
func toUint32MapE(m map[graph.ETypeID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}
func toUint32MapP(m map[graph.PropKeyID]string) map[uint32]string {
	out := make(map[uint32]string, len(m))
	for k, v := range m {
		out[uint32(k)] = v
	}
	return out
}

func encodeTokenMap(buf []byte, m map[uint32]string) []byte {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	buf = codec.PutUvarint(buf, uint64(len(ids)))
	for _, id := range ids {
		buf = codec.PutUvarint(buf, uint64(id))
		name := m[id]
		buf = codec.PutUvarint(buf, uint64(len(name)))
		buf = append(buf, []byte(name)...)
	}
	return buf
}

func decodeTokenMap(data []byte) (map[uint32]string, []byte, error) {
	n, k := codec.Uvarint(data)
	if k <= 0 {
		return nil, nil, errors.New("snapshot: truncated schema token count")
	}
	data = data[k:]
	out := make(map[uint32]string, n)
	for i := uint64(0); i < n; i++ {
		id, k := codec.Uvarint(data)
		if k <= 0 {
			return nil, nil, errors.New("snapshot: truncated schema token id")
		}
		data = data[k:]
		nlen, k := codec.Uvarint(data)
		if k <= 0 || uint64(len(data[k:])) < nlen {
			return nil, nil, errors.New("snapshot: truncated schema token name")
		}
		data = data[k:]
		out[uint32(id)] = string(data[:nlen])
		data = data[nlen:]
	}
	return out, data, nil
}

func decodeSchemaSection(data []byte) (SchemaNames, error) {
	labels, rest, err := decodeTokenMap(data)
	if err != nil {
		return SchemaNames{}, err
	}
	etypes, rest, err := decodeTokenMap(rest)
	if err != nil {
		return SchemaNames{}, err
	}
	propKeys, _, err := decodeTokenMap(rest)
	if err != nil {
		return SchemaNames{}, err
	}

	out := SchemaNames{
		Labels:   make(map[graph.LabelID]string, len(labels)),
		Etypes:   make(map[graph.ETypeID]string, len(etypes)),
		PropKeys: make(map[graph.PropKeyID]string, len(propKeys)),
	}
	for id, name := range labels {
		out.Labels[graph.LabelID(id)] = name
	}
	for id, name := range etypes {
		out.Etypes[graph.ETypeID(id)] = name
	}
	for id, name := range propKeys {
		out.PropKeys[graph.PropKeyID(id)] = name
	}
	return out, nil
}

// encodePropValueSnapshot/decodePropValueSnapshot mirror the WAL's
// encodePropValue/decodePropValue wire shape exactly (same Kind byte +
// variant layout), kept as a private copy here so the snapshot package's
// section codecs don't reach into internal/wal, which frames records, not
// bare values.
func encodePropValueSnapshot(buf []byte, v graph.PropValue) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case graph.PropI64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, uint64(v.I64))
		buf = append(buf, tmp...)
	case graph.PropF64:
		tmp := make([]byte, 8)
		codec.PutUint64(tmp, math.Float64bits(v.F64))
		buf = append(buf, tmp...)
	case graph.PropBool:
		if v.Bool {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case graph.PropString:
		buf = codec.PutUvarint(buf, uint64(len(v.Str)))
		buf = append(buf, []byte(v.Str)...)
	case graph.PropBytes:
		buf = codec.PutUvarint(buf, uint64(len(v.Bytes)))
		buf = append(buf, v.Bytes...)
	case graph.PropF32Vector:
		buf = codec.PutUvarint(buf, uint64(len(v.Vector)))
		tmp := make([]byte, 4)
		for _, f := range v.Vector {
			codec.PutUint32(tmp, math.Float32bits(f))
			buf = append(buf, tmp...)
		}
	}
	return buf
}

func decodePropValueSnapshot(buf []byte) (graph.PropValue, []byte, error) {
	if len(buf) < 1 {
		return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue kind")
	}
	kind := graph.PropKind(buf[0])
	buf = buf[1:]
	switch kind {
	case graph.PropI64:
		if len(buf) < 8 {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue i64")
		}
		return graph.I64(int64(codec.Uint64(buf[:8]))), buf[8:], nil
	case graph.PropF64:
		if len(buf) < 8 {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue f64")
		}
		return graph.F64(math.Float64frombits(codec.Uint64(buf[:8]))), buf[8:], nil
	case graph.PropBool:
		if len(buf) < 1 {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue bool")
		}
		return graph.Bool(buf[0] != 0), buf[1:], nil
	case graph.PropString:
		n, k := codec.Uvarint(buf)
		if k <= 0 || uint64(len(buf[k:])) < n {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue string")
		}
		return graph.String(string(buf[k : uint64(k)+n])), buf[uint64(k)+n:], nil
	case graph.PropBytes:
		n, k := codec.Uvarint(buf)
		if k <= 0 || uint64(len(buf[k:])) < n {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue bytes")
		}
		return graph.Bytes(buf[k : uint64(k)+n]), buf[uint64(k)+n:], nil
	case graph.PropF32Vector:
		n, k := codec.Uvarint(buf)
		if k <= 0 {
			return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue vector length")
		}
		buf = buf[k:]
		vec := make([]float32, n)
		for i := range vec {
			if len(buf) < 4 {
				return graph.PropValue{}, nil, errors.New("snapshot: truncated PropValue vector element")
			}
			vec[i] = math.Float32frombits(codec.Uint32(buf[:4]))
			buf = buf[4:]
		}
		return graph.F32Vector(vec), buf, nil
	default:
		return graph.PropValue{}, nil, errors.Errorf("snapshot: unknown PropValue kind %d", kind)
	}
}

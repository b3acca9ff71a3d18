package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ResourceKey names one slot of a ResourceBox.
type ResourceKey string

const (
	KeyParsedQuery    ResourceKey = "parsed_query"
	KeyDBSchema       ResourceKey = "db_schema"
	KeySampleMetadata ResourceKey = "sample_metadata"
	KeyProtocolURL    ResourceKey = "protocolURL"
	KeySampleURL      ResourceKey = "sampleURL"
	KeyUIDs           ResourceKey = "UIDs"
	KeySTAttributes   ResourceKey = "st_attributes"
	KeyUpdateInfo     ResourceKey = "update_info"
)

var ErrUnknownResource = errors.New("unknown resource key")

// Resource is one of the typed values a ResourceBox can hold.
type Resource interface {
	Key() ResourceKey
	resource()
}

// ResourceBox holds at most one Resource per key. The zero value is an empty
// box. With returns a new box; the receiver is never modified.
type ResourceBox struct {
	values map[ResourceKey]Resource
}

// With returns a copy of b where r replaces whatever was stored under r.Key().
func (b ResourceBox) With(r Resource) ResourceBox {
	values := make(map[ResourceKey]Resource, len(b.values)+1)
	for k, v := range b.values {
		values[k] = v
	}
	values[r.Key()] = r
	return ResourceBox{values: values}
}

// Merge validates raw against the shape declared for key and stores it.
func (b ResourceBox) Merge(key ResourceKey, raw any) (ResourceBox, error) {
	r, err := DecodeResource(key, raw)
	if err != nil {
		return b, err
	}
	return b.With(r), nil
}

func (b ResourceBox) Get(key ResourceKey) (Resource, bool) {
	r, ok := b.values[key]
	return r, ok
}

func (b ResourceBox) Len() int {
	return len(b.values)
}

// Keys returns the occupied keys in sorted order.
func (b ResourceBox) Keys() []ResourceKey {
	keys := make([]ResourceKey, 0, len(b.values))
	for k := range b.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (b ResourceBox) ParsedQuery() (ParsedQuery, bool) {
	v, ok := b.values[KeyParsedQuery].(ParsedQuery)
	return v, ok
}

func (b ResourceBox) Schema() (SchemaInfo, bool) {
	v, ok := b.values[KeyDBSchema].(SchemaInfo)
	return v, ok
}

func (b ResourceBox) SampleMetadata() (SampleMetadata, bool) {
	v, ok := b.values[KeySampleMetadata].(SampleMetadata)
	return v, ok
}

func (b ResourceBox) UIDs() (UIDList, bool) {
	v, ok := b.values[KeyUIDs].(UIDList)
	return v, ok
}

func (b ResourceBox) Attributes() (AttributeCatalog, bool) {
	v, ok := b.values[KeySTAttributes].(AttributeCatalog)
	return v, ok
}

func (b ResourceBox) UpdateInfo() (UpdateInfo, bool) {
	v, ok := b.values[KeyUpdateInfo].(UpdateInfo)
	return v, ok
}

func (b ResourceBox) ProtocolURL() (ProtocolURL, bool) {
	v, ok := b.values[KeyProtocolURL].(ProtocolURL)
	return v, ok
}

func (b ResourceBox) SampleURL() (SampleURL, bool) {
	v, ok := b.values[KeySampleURL].(SampleURL)
	return v, ok
}

func (b ResourceBox) MarshalJSON() ([]byte, error) {
	out := make(map[ResourceKey]Resource, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes every known key through its validating constructor.
// Unknown keys are dropped.
func (b *ResourceBox) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	box := ResourceBox{}
	for k, v := range raw {
		if v == nil {
			continue
		}
		r, err := DecodeResource(ResourceKey(k), v)
		if errors.Is(err, ErrUnknownResource) {
			continue
		}
		if err != nil {
			return fmt.Errorf("resource %s: %w", k, err)
		}
		box = box.With(r)
	}
	*b = box
	return nil
}

// DecodeResource is the validating constructor for every resource kind. raw
// may already be the right type, or a loosely-typed value such as decoded
// JSON. Keys outside the declared shape are dropped.
func DecodeResource(key ResourceKey, raw any) (Resource, error) {
	if r, ok := raw.(Resource); ok && r.Key() == key {
		return r, nil
	}
	switch key {
	case KeyParsedQuery:
		var v ParsedQuery
		return v, decodeLoose(raw, &v)
	case KeyDBSchema:
		var v SchemaInfo
		return v, decodeLoose(raw, &v)
	case KeySampleMetadata:
		return decodeSampleMetadata(raw)
	case KeyProtocolURL:
		var v string
		err := decodeLoose(raw, &v)
		return ProtocolURL(v), err
	case KeySampleURL:
		var v string
		err := decodeLoose(raw, &v)
		return SampleURL(v), err
	case KeyUIDs:
		var v []string
		err := decodeLoose(raw, &v)
		return UIDList(v), err
	case KeySTAttributes:
		var v []SampleTypeAttributes
		if m, ok := raw.(map[string]any); ok {
			raw = []any{m}
		}
		err := decodeLoose(raw, &v)
		return AttributeCatalog(v), err
	case KeyUpdateInfo:
		var v UpdateInfo
		return v, decodeLoose(raw, &v)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, key)
	}
}

// DecodeLoose decodes a loosely-typed value into out using json tags.
// Single values are promoted to one-element slices where a slice is expected.
func DecodeLoose(raw any, out any) error {
	return decodeLoose(raw, out)
}

func decodeLoose(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func decodeSampleMetadata(raw any) (Resource, error) {
	switch v := raw.(type) {
	case MetadataRecord:
		return SampleMetadata{v}, nil
	case map[string]any:
		return SampleMetadata{MetadataRecord(v)}, nil
	case []map[string]any:
		out := make(SampleMetadata, 0, len(v))
		for _, rec := range v {
			out = append(out, MetadataRecord(rec))
		}
		return out, nil
	case []any:
		out := make(SampleMetadata, 0, len(v))
		for i, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("sample_metadata[%d]: expected object, got %T", i, item)
			}
			out = append(out, MetadataRecord(rec))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("sample_metadata: unsupported value %T", raw)
	}
}

// StringList is a field that may arrive as a single string or a list.
type StringList []string

func (l StringList) MarshalJSON() ([]byte, error) {
	switch len(l) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(l[0])
	default:
		return json.Marshal([]string(l))
	}
}

func (l *StringList) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var out []string
	if err := decodeLoose(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// First returns the first element or "".
func (l StringList) First() string {
	if len(l) == 0 {
		return ""
	}
	return l[0]
}

// ParsedQuery is the structured interpretation of the user's ask.
type ParsedQuery struct {
	UID        StringList `json:"uid"`
	SampleType StringList `json:"sampletype"`
	Assay      StringList `json:"assay"`
	Attribute  StringList `json:"attribute"`
	Terms      StringList `json:"terms"`
}

func (ParsedQuery) Key() ResourceKey { return KeyParsedQuery }
func (ParsedQuery) resource()        {}

// IsEmpty reports whether no field was recognised.
func (q ParsedQuery) IsEmpty() bool {
	return len(q.UID)+len(q.SampleType)+len(q.Assay)+len(q.Attribute)+len(q.Terms) == 0
}

// Column describes one column of a metadata store table.
type Column struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable"`
	Default  string   `json:"default,omitempty"`
	JSONKeys []string `json:"json_keys,omitempty"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// SchemaInfo carries table descriptors plus the keys judged relevant to the query.
type SchemaInfo struct {
	Tables        []Table  `json:"tables,omitempty"`
	RelevantKeys  []string `json:"relevant_keys"`
	Justification string   `json:"justification,omitempty"`
}

func (SchemaInfo) Key() ResourceKey { return KeyDBSchema }
func (SchemaInfo) resource()        {}

// JSONKeys returns the union of discovered JSON keys across every table.
func (s SchemaInfo) JSONKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range s.Tables {
		for _, c := range t.Columns {
			for _, k := range c.JSONKeys {
				if _, ok := seen[k]; ok {
					continue
				}
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// MetadataRecord is one sample's schemaless metadata.
type MetadataRecord map[string]any

func (r MetadataRecord) str(key string) string {
	if v, ok := r[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func (r MetadataRecord) UID() string {
	if v := r.str("UID"); v != "" {
		return v
	}
	return r.str("uid")
}

// Name falls back to the primary data file name when Name is missing.
func (r MetadataRecord) Name() string {
	if v := r.str("Name"); v != "" {
		return v
	}
	return r.str("File_PrimaryData")
}

func (r MetadataRecord) Get(key string) string {
	return r.str(key)
}

type SampleMetadata []MetadataRecord

func (SampleMetadata) Key() ResourceKey { return KeySampleMetadata }
func (SampleMetadata) resource()        {}

type UIDList []string

func (UIDList) Key() ResourceKey { return KeyUIDs }
func (UIDList) resource()        {}

type ProtocolURL string

func (ProtocolURL) Key() ResourceKey { return KeyProtocolURL }
func (ProtocolURL) resource()        {}

type SampleURL string

func (SampleURL) Key() ResourceKey { return KeySampleURL }
func (SampleURL) resource()        {}

// SampleTypeAttributes lists the legal attribute names of one sample type.
type SampleTypeAttributes struct {
	SampleType  string   `json:"sampletype"`
	Description string   `json:"st_description"`
	Attributes  []string `json:"attributes"`
}

type AttributeCatalog []SampleTypeAttributes

func (AttributeCatalog) Key() ResourceKey { return KeySTAttributes }
func (AttributeCatalog) resource()        {}

// Legal builds the sample type -> attribute set lookup.
func (c AttributeCatalog) Legal() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(c))
	for _, st := range c {
		set, ok := out[st.SampleType]
		if !ok {
			set = make(map[string]struct{}, len(st.Attributes))
			out[st.SampleType] = set
		}
		for _, a := range st.Attributes {
			set[a] = struct{}{}
		}
	}
	return out
}

type UpdateStats struct {
	TotalRecordsProcessed int     `json:"total_records_processed"`
	RecordsUpdated        int     `json:"records_updated"`
	MissingAttributes     int     `json:"missing_attributes"`
	ExecutionTime         float64 `json:"execution_time"`
}

// UpdateInfo is the outcome of one bulk update pipeline run.
type UpdateInfo struct {
	Success bool        `json:"success"`
	Logs    []string    `json:"logs"`
	Errors  []string    `json:"errors"`
	Stats   UpdateStats `json:"stats"`
}

func (UpdateInfo) Key() ResourceKey { return KeyUpdateInfo }
func (UpdateInfo) resource()        {}

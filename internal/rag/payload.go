package rag

import (
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys written to every point.
const (
	keyDocument   = "document"
	keySource     = "source"
	keyTokenCount = "token_count"
	keyDateAdded  = "date_added"
	keyTurnID     = "turn_id"
)

// toPayload flattens a record into a Qdrant payload. DateAdded is stored as
// unix milliseconds.
func toPayload(r Record) (map[string]*qdrant.Value, error) {
	m := map[string]any{
		keyDocument:   r.Document,
		keySource:     r.Metadata.Source,
		keyTokenCount: int64(r.Metadata.TokenCount),
		keyDateAdded:  r.Metadata.DateAdded.UnixMilli(),
		keyTurnID:     r.Metadata.TurnID,
	}
	for k, v := range r.Metadata.Extra {
		if _, reserved := m[k]; reserved {
			continue
		}
		m[k] = v
	}
	return qdrant.TryValueMap(m)
}

// fromPayload rebuilds the document and metadata of a stored point.
func fromPayload(p map[string]*qdrant.Value) (string, Metadata) {
	var (
		doc  string
		meta Metadata
	)
	for k, v := range p {
		switch k {
		case keyDocument:
			doc = v.GetStringValue()
		case keySource:
			meta.Source = v.GetStringValue()
		case keyTokenCount:
			meta.TokenCount = int(v.GetIntegerValue())
		case keyDateAdded:
			meta.DateAdded = time.UnixMilli(v.GetIntegerValue())
		case keyTurnID:
			meta.TurnID = v.GetStringValue()
		default:
			if meta.Extra == nil {
				meta.Extra = make(map[string]string)
			}
			meta.Extra[k] = valueString(v)
		}
	}
	return doc, meta
}

// valueString renders scalar payload values as strings.
func valueString(v *qdrant.Value) string {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return strconv.FormatInt(k.IntegerValue, 10)
	case *qdrant.Value_DoubleValue:
		return strconv.FormatFloat(k.DoubleValue, 'f', -1, 64)
	case *qdrant.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	default:
		return ""
	}
}

package store

import "strings"

// Reserved document fields
const (
	FieldID      = "_id"
	FieldRev     = "_rev"
	FieldDeleted = "_deleted"
)

// IDSeparator splits a document id into its type and local id.
const IDSeparator = "/"

// Document is a schemaless JSON object.
type Document map[string]any

// ID returns the document's _id.
func (d Document) ID() string {
	return d.String(FieldID)
}

// Rev returns the document's _rev.
func (d Document) Rev() string {
	return d.String(FieldRev)
}

// Deleted reports whether the document is a deletion tombstone.
func (d Document) Deleted() bool {
	deleted, _ := d[FieldDeleted].(bool)
	return deleted
}

// String returns a string field, or "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneMap(d)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Document:
		return Document(cloneMap(v))
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// SplitID splits a document id on the first IDSeparator. ok is false when
// the id has no separator or either part is empty.
func SplitID(id string) (docType, localID string, ok bool) {
	docType, localID, found := strings.Cut(id, IDSeparator)
	if !found || docType == "" || localID == "" {
		return "", "", false
	}
	return docType, localID, true
}

// JoinID builds a document id from a type and a local id.
func JoinID(docType, localID string) string {
	return docType + IDSeparator + localID
}

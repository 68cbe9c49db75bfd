package property

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/felixgeelhaar/memoria/internal/observe"
)

// Diagnostic name prefixes.
const (
	// ErrorPrefix marks a row recording why a field could not be encoded.
	ErrorPrefix = "_error_"
	// RawPrefix marks a composed key whose stored row failed to decode.
	RawPrefix = "_raw_"
)

// Property is one block_properties row.
type Property struct {
	BlockID string
	Name    string
	Type    Type
	Encoded
}

// Options controls Decompose.
type Options struct {
	// PreserveNulls keeps nil values as explicit empty text rows so that an
	// update overwrites the previous value instead of leaving it untouched.
	PreserveNulls bool
	Observer      *observe.Observer
}

// Decompose turns a metadata map into property rows, sorted by name. Nil
// values are dropped unless PreserveNulls is set. A field that fails to
// encode becomes an "_error_<field>" json row instead of aborting.
func Decompose(blockID string, metadata map[string]any, opts Options) []Property {
	obs := observe.OrDiscard(opts.Observer)

	names := make([]string, 0, len(metadata))
	for k := range metadata {
		names = append(names, k)
	}
	sort.Strings(names)

	props := make([]Property, 0, len(names))
	for _, name := range names {
		v := metadata[name]
		if isNil(v) {
			if !opts.PreserveNulls {
				continue
			}
			empty := ""
			props = append(props, Property{BlockID: blockID, Name: name, Type: Text, Encoded: Encoded{Text: &empty}})
			continue
		}

		typ := DetectType(v)
		enc, actual, err := Encode(v, typ)
		if err != nil {
			obs.Log().Warn().Str("block_id", blockID).Str("property", name).Err(err).Msg("property encoding failed")
			props = append(props, errorProperty(blockID, name, typ, v, err))
			continue
		}
		if actual != typ {
			obs.Log().Debug().Str("property", name).Str("type", string(typ)).Str("stored_as", string(actual)).Msg("value stored under a different type")
		}
		if size := enc.Size(); size > MaxValueSize {
			obs.Log().Warn().
				Str("block_id", blockID).
				Str("property", name).
				Str("size", humanize.Bytes(uint64(size))).
				Msg("property value exceeds soft size limit and may be truncated downstream")
		}
		props = append(props, Property{BlockID: blockID, Name: name, Type: actual, Encoded: enc})
	}
	return props
}

func errorProperty(blockID, name string, typ Type, v any, cause error) Property {
	b, _ := json.Marshal(map[string]string{
		"error": cause.Error(),
		"type":  string(typ),
		"value": fmt.Sprintf("%v", v),
	})
	s := string(b)
	return Property{BlockID: blockID, Name: ErrorPrefix + name, Type: JSON, Encoded: Encoded{JSON: &s}}
}

// Compose rebuilds the metadata map. Rows named with ErrorPrefix are
// skipped; a row that fails to decode is surfaced as "_raw_<name>" holding
// its stored value.
func Compose(props []Property) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		if strings.HasPrefix(p.Name, ErrorPrefix) {
			continue
		}
		v, err := Decode(p.Type, p.Text, p.Number, p.JSON)
		if err != nil {
			out[RawPrefix+p.Name] = rawValue(p.Encoded)
			continue
		}
		out[p.Name] = v
	}
	return out
}

// Errors returns the diagnostic rows left by Decompose, keyed by field name.
func Errors(props []Property) map[string]string {
	out := map[string]string{}
	for _, p := range props {
		if strings.HasPrefix(p.Name, ErrorPrefix) && p.JSON != nil {
			out[strings.TrimPrefix(p.Name, ErrorPrefix)] = *p.JSON
		}
	}
	return out
}

func rawValue(e Encoded) any {
	switch {
	case e.Text != nil:
		return *e.Text
	case e.JSON != nil:
		return *e.JSON
	case e.Number != nil:
		return *e.Number
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

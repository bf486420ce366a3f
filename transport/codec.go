package transport

import "sync"

// Tagged is implemented by rich value types that must survive a JSON round
// trip. The wire shape is {"_type": tag, "data": {...}}; the receiving side
// re-materializes the value through the decoder registered for the tag.
type Tagged interface {
	TypeTag() string
	TagData() map[string]interface{}
}

var (
	decodersMu sync.RWMutex
	decoders   = map[string]func(map[string]interface{}) interface{}{}
)

// RegisterValueType installs the decoder for a value tag. Typically called
// from an init function of the package that owns the type.
func RegisterValueType(tag string, decode func(map[string]interface{}) interface{}) {
	decodersMu.Lock()
	decoders[tag] = decode
	decodersMu.Unlock()
}

// EncodeValue prepares a value for JSON transmission, tagging rich objects
// and recursing into lists. Plain scalars and maps pass through.
func EncodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case Tagged:
		return map[string]interface{}{"_type": val.TypeTag(), "data": val.TagData()}
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = EncodeValue(e)
		}
		return out
	default:
		return v
	}
}

// DecodeValue reverses EncodeValue, re-materializing tagged objects through
// the decoder registry. Unknown tags pass through as plain maps.
func DecodeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		tag, _ := val["_type"].(string)
		if tag == "" {
			return v
		}
		data, _ := val["data"].(map[string]interface{})
		decodersMu.RLock()
		decode, ok := decoders[tag]
		decodersMu.RUnlock()
		if !ok {
			return v
		}
		return decode(data)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = DecodeValue(e)
		}
		return out
	default:
		return v
	}
}

package types

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

// ============================================================================
// JobDataMap JSON 編碼
// ============================================================================
//
// 每個值都帶型別標記，例如 {"t":"int","v":"3"}。資料庫、WAL 與快照讀回時
// 還原成寫入時的 Go 型別；純 JSON 會把所有數字都變成 float64。
// 整數以十進位字串保存，經過 structpb（double）也不會失去精度。
//
// 支援 nil、string、bool、所有整數與浮點數、JobDataMap、map[string]any 與
// []any（遞迴）。其他型別以一般 JSON 保存，讀回時是 encoding/json 的通用形式。

const (
	tagNil     = "nil"
	tagString  = "string"
	tagBool    = "bool"
	tagInt     = "int"
	tagInt8    = "int8"
	tagInt16   = "int16"
	tagInt32   = "int32"
	tagInt64   = "int64"
	tagUint    = "uint"
	tagUint8   = "uint8"
	tagUint16  = "uint16"
	tagUint32  = "uint32"
	tagUint64  = "uint64"
	tagFloat32 = "float32"
	tagFloat64 = "float64"
	tagJobData = "jobdata"
	tagMap     = "map"
	tagList    = "list"
	tagJSON    = "json"
)

var knownTags = map[string]struct{}{
	tagNil: {}, tagString: {}, tagBool: {},
	tagInt: {}, tagInt8: {}, tagInt16: {}, tagInt32: {}, tagInt64: {},
	tagUint: {}, tagUint8: {}, tagUint16: {}, tagUint32: {}, tagUint64: {},
	tagFloat32: {}, tagFloat64: {},
	tagJobData: {}, tagMap: {}, tagList: {}, tagJSON: {},
}

type taggedValue struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON 以帶型別標記的形式編碼
func (m JobDataMap) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	out := make(map[string]taggedValue, len(m))
	for k, v := range m {
		tv, err := tagValue(v)
		if err != nil {
			return nil, errors.Wrapf(err, "job data %q", k)
		}
		out[k] = tv
	}
	return json.Marshal(out)
}

// UnmarshalJSON 還原 MarshalJSON 的輸出；沒有標記的值當作一般 JSON
func (m *JobDataMap) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*m = nil
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decode job data")
	}
	out := make(JobDataMap, len(raw))
	for k, r := range raw {
		v, err := untagValue(r)
		if err != nil {
			return errors.Wrapf(err, "job data %q", k)
		}
		out[k] = v
	}
	*m = out
	return nil
}

func tagValue(v any) (taggedValue, error) {
	var (
		tag  string
		data []byte
		err  error
	)
	switch t := v.(type) {
	case nil:
		return taggedValue{T: tagNil}, nil
	case string:
		tag = tagString
		data, err = json.Marshal(t)
	case bool:
		tag = tagBool
		data, err = json.Marshal(t)
	case int:
		tag, data = tagInt, quoteInt(int64(t))
	case int8:
		tag, data = tagInt8, quoteInt(int64(t))
	case int16:
		tag, data = tagInt16, quoteInt(int64(t))
	case int32:
		tag, data = tagInt32, quoteInt(int64(t))
	case int64:
		tag, data = tagInt64, quoteInt(t)
	case uint:
		tag, data = tagUint, quoteUint(uint64(t))
	case uint8:
		tag, data = tagUint8, quoteUint(uint64(t))
	case uint16:
		tag, data = tagUint16, quoteUint(uint64(t))
	case uint32:
		tag, data = tagUint32, quoteUint(uint64(t))
	case uint64:
		tag, data = tagUint64, quoteUint(t)
	case float32:
		tag = tagFloat32
		data, err = json.Marshal(t)
	case float64:
		tag = tagFloat64
		data, err = json.Marshal(t)
	case JobDataMap:
		tag = tagJobData
		data, err = t.MarshalJSON()
	case map[string]any:
		tag = tagMap
		data, err = JobDataMap(t).MarshalJSON()
	case []any:
		tag = tagList
		items := make([]taggedValue, len(t))
		for i := range t {
			if items[i], err = tagValue(t[i]); err != nil {
				return taggedValue{}, errors.Wrapf(err, "index %d", i)
			}
		}
		data, err = json.Marshal(items)
	default:
		tag = tagJSON
		data, err = json.Marshal(t)
	}
	if err != nil {
		return taggedValue{}, err
	}
	return taggedValue{T: tag, V: data}, nil
}

func quoteInt(n int64) []byte  { return strconv.AppendQuote(nil, strconv.FormatInt(n, 10)) }
func quoteUint(n uint64) []byte { return strconv.AppendQuote(nil, strconv.FormatUint(n, 10)) }

// asTagged 只接受 {"t": 已知標記, "v": ...} 形式的物件
func asTagged(r json.RawMessage) (taggedValue, bool) {
	trimmed := bytes.TrimSpace(r)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return taggedValue{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return taggedValue{}, false
	}
	rawTag, ok := fields["t"]
	if !ok || len(fields) > 2 {
		return taggedValue{}, false
	}
	if _, hasV := fields["v"]; len(fields) == 2 && !hasV {
		return taggedValue{}, false
	}
	var tag string
	if err := json.Unmarshal(rawTag, &tag); err != nil {
		return taggedValue{}, false
	}
	if _, known := knownTags[tag]; !known {
		return taggedValue{}, false
	}
	return taggedValue{T: tag, V: fields["v"]}, true
}

func untagValue(r json.RawMessage) (any, error) {
	tv, ok := asTagged(r)
	if !ok {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, err
		}
		return v, nil
	}

	switch tv.T {
	case tagNil:
		return nil, nil
	case tagString:
		return decodeAs[string](tv.V)
	case tagBool:
		return decodeAs[bool](tv.V)
	case tagFloat32:
		return decodeAs[float32](tv.V)
	case tagFloat64:
		return decodeAs[float64](tv.V)
	case tagInt, tagInt8, tagInt16, tagInt32, tagInt64:
		return parseSigned(tv.T, tv.V)
	case tagUint, tagUint8, tagUint16, tagUint32, tagUint64:
		return parseUnsigned(tv.T, tv.V)
	case tagJobData:
		var d JobDataMap
		err := d.UnmarshalJSON(tv.V)
		return d, err
	case tagMap:
		var d JobDataMap
		if err := d.UnmarshalJSON(tv.V); err != nil {
			return nil, err
		}
		return map[string]any(d), nil
	case tagList:
		var items []json.RawMessage
		if err := json.Unmarshal(tv.V, &items); err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := untagValue(item)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			out[i] = v
		}
		return out, nil
	default:
		return decodeAs[any](tv.V)
	}
}

func decodeAs[T any](raw json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// numberText 接受字串或數字形式的整數
func numberText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func parseSigned(tag string, raw json.RawMessage) (any, error) {
	bits := map[string]int{tagInt: strconv.IntSize, tagInt8: 8, tagInt16: 16, tagInt32: 32, tagInt64: 64}[tag]
	n, err := strconv.ParseInt(numberText(raw), 10, bits)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", tag)
	}
	switch tag {
	case tagInt:
		return int(n), nil
	case tagInt8:
		return int8(n), nil
	case tagInt16:
		return int16(n), nil
	case tagInt32:
		return int32(n), nil
	default:
		return n, nil
	}
}

func parseUnsigned(tag string, raw json.RawMessage) (any, error) {
	bits := map[string]int{tagUint: strconv.IntSize, tagUint8: 8, tagUint16: 16, tagUint32: 32, tagUint64: 64}[tag]
	n, err := strconv.ParseUint(numberText(raw), 10, bits)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", tag)
	}
	switch tag {
	case tagUint:
		return uint(n), nil
	case tagUint8:
		return uint8(n), nil
	case tagUint16:
		return uint16(n), nil
	case tagUint32:
		return uint32(n), nil
	default:
		return n, nil
	}
}

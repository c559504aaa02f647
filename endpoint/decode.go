package endpoint

import (
	"bytes"
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit is the maximum byte length accepted for a decoded value
// unless a field carries its own `maxLength` tag.
var defaultFieldLimit = 16 * 1024 // 16KB

// Unmarshal populates dst (must be a non-nil pointer) from the request.
//
// Supported structtags:
//   - `path:"name[,json]"`: r.PathValue(name)
//   - `query:"name[,json]"`: r.URL.Query()[name]
//   - `header:"name[,json]"`: r.Header[name] (canonicalized)
//   - `body:"[,json]"`: the whole request body
//   - `<source>:"-"` to ignore the field entirely
//   - `maxLength:"n"` to set the maximum byte length for a field value
//
// Notes:
//   - If no name is given, it defaults to the struct field name lowercased.
//   - Untagged scalar fields default to path then query.
//   - Untagged struct fields are decoded recursively.
//   - If multiple source tags are present on the same field, precedence is:
//     path, query, header, body.
//   - If no data is present for a field, it is left unchanged.
//   - Body fields of a type other than string or []byte default to json.
//   - Values longer than maxLength (default 16KB; 0 or empty for no limit)
//     yield a 400 Bad Request error.
//
// Params structs that declare no body field leave r.Body unread.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}

	// Support *P where P may be a struct or pointer-to-struct.
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return newEndpointError(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct (or pointer to struct)"))
	}

	q := url.Values{}
	if r.URL != nil {
		q = r.URL.Query()
	}
	return unmarshalStruct(r, root, q)
}

type sourceTag struct {
	Source    string
	Name      string
	Encoding  string
	MaxLength int
}

// sources lists the supported tag keys in precedence order.
var sources = []string{"path", "query", "header", "body"}

func unmarshalStruct(r *http.Request, structVal reflect.Value, query url.Values) error {
	t := structVal.Type()
	bodyField := ""
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := structVal.Field(i)

		tags := make([]sourceTag, 0, len(sources))
		ignored := false
		for _, src := range sources {
			tag, has, err := parseSourceTag(sf, src, strings.ToLower(sf.Name))
			if err != nil {
				return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
			}
			if !has {
				continue
			}
			if tag.Name == "-" {
				ignored = true
				break
			}
			tags = append(tags, tag)
		}
		if ignored {
			continue
		}

		if len(tags) == 0 {
			if isStructField(fv) {
				if fv.Kind() == reflect.Pointer {
					if fv.IsNil() {
						fv.Set(reflect.New(fv.Type().Elem()))
					}
					fv = fv.Elem()
				}
				if err := unmarshalStruct(r, fv, query); err != nil {
					return err
				}
				continue
			}
			name := strings.ToLower(sf.Name)
			tags = []sourceTag{{Source: "path", Name: name}, {Source: "query", Name: name}}
		}

		limit, err := fieldLengthLimit(sf)
		if err != nil {
			return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}

		for _, tag := range tags {
			tag.MaxLength = limit
			if tag.Source == "body" {
				if bodyField != "" {
					return newEndpointError(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: multiple body fields: %s and %s", bodyField, sf.Name))
				}
				bodyField = sf.Name
				if tag.Encoding == "" && !isStringOrBytes(fv.Type()) {
					tag.Encoding = "json"
				}
			}
			ok, err := setFieldFromSource(fv, tag, fetcher(r, tag.Source, query), sf.Name)
			if err != nil {
				return err
			}
			if ok {
				break
			}
		}
	}
	return nil
}

// isStructField reports whether fv should be decoded recursively: a struct
// (or pointer to struct) that cannot unmarshal itself from text.
func isStructField(fv reflect.Value) bool {
	ft := fv.Type()
	if ft.Kind() == reflect.Pointer {
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Struct {
		return false
	}
	textUnmarshalerType := reflect.TypeFor[encoding.TextUnmarshaler]()
	return !reflect.PointerTo(ft).Implements(textUnmarshalerType) && !ft.Implements(textUnmarshalerType)
}

func isStringOrBytes(t reflect.Type) bool {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.String || (t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8)
}

func fetcher(r *http.Request, source string, query url.Values) func(name string) ([][]byte, bool, error) {
	switch source {
	case "path":
		return func(name string) ([][]byte, bool, error) {
			v := r.PathValue(name)
			if v == "" {
				return nil, false, nil
			}
			return [][]byte{[]byte(v)}, true, nil
		}
	case "query":
		return func(name string) ([][]byte, bool, error) {
			return toBytes(query[name])
		}
	case "header":
		return func(name string) ([][]byte, bool, error) {
			// Access the map directly to distinguish present-but-empty from missing.
			return toBytes(r.Header[http.CanonicalHeaderKey(name)])
		}
	default:
		return func(string) ([][]byte, bool, error) {
			if r.Body == nil || r.Body == http.NoBody {
				return nil, false, nil
			}
			b, err := io.ReadAll(r.Body)
			if err != nil {
				return nil, false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: body: %w", err))
			}
			return [][]byte{b}, true, nil
		}
	}
}

func toBytes(vs []string) ([][]byte, bool, error) {
	if len(vs) == 0 {
		return nil, false, nil
	}
	out := make([][]byte, len(vs))
	for i, s := range vs {
		out[i] = []byte(s)
	}
	return out, true, nil
}

func fieldLengthLimit(sf reflect.StructField) (int, error) {
	val, has := sf.Tag.Lookup("maxLength")
	if !has {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("maxLength: invalid integer %q", val)
	}
	if n < 0 {
		return 0, fmt.Errorf("maxLength: must be >= 0")
	}
	return n, nil
}

func parseSourceTag(sf reflect.StructField, tagKey string, defaultName string) (cfg sourceTag, has bool, err error) {
	val, has := sf.Tag.Lookup(tagKey)
	if !has {
		return sourceTag{}, false, nil
	}

	parts := strings.Split(val, ",")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		name = defaultName
	}

	cfg = sourceTag{Source: tagKey, Name: name}
	for _, p := range parts[1:] {
		switch flag := strings.ToLower(strings.TrimSpace(p)); flag {
		case "":
		case "json":
			cfg.Encoding = flag
		default:
			return sourceTag{}, false, fmt.Errorf("unknown %s tag flag %q", tagKey, flag)
		}
	}
	return cfg, true, nil
}

func setFieldFromSource(field reflect.Value, tag sourceTag, fetch func(name string) ([][]byte, bool, error), fieldName string) (bool, error) {
	raw, ok, err := fetch(tag.Name)
	if err != nil || !ok {
		return false, err
	}

	for _, val := range raw {
		if tag.MaxLength > 0 && len(val) > tag.MaxLength {
			return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: value exceeds max length %d", tag.Source, tag.Name, fieldName, tag.MaxLength))
		}
	}

	if err := setFieldFromValues(field, raw, tag.Encoding); err != nil {
		return false, newEndpointError(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tag.Source, tag.Name, fieldName, err))
	}
	return true, nil
}

func setFieldFromValues(v reflect.Value, values [][]byte, encodingFlag string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}

	if encodingFlag == "json" {
		return json.NewDecoder(bytes.NewReader(values[0])).Decode(v.Addr().Interface())
	}

	// Slice fields (other than []byte) receive one element per value.
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		slice := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, val := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setFieldFromBytes(elem, val); err != nil {
				return err
			}
			slice = reflect.Append(slice, elem)
		}
		v.Set(slice)
		return nil
	}

	return setFieldFromBytes(v, values[0])
}

func setFieldFromBytes(v reflect.Value, b []byte) error {
	// Support encoding.TextUnmarshaler for custom types; pointer receiver first.
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText(b)
		}
	}

	s := string(b)

	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
		return nil
	case reflect.Slice:
		// Only []byte reaches here.
		v.SetBytes(bytes.Clone(b))
		return nil
	case reflect.Bool:
		bb, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(bb)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
		return nil
	}

	return fmt.Errorf("unsupported kind %s", v.Kind())
}

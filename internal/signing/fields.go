package signing

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// SignField 是 SignRequestFields 自身签名字段的名字，永远不参与签名输入。
const SignField = "sign"

// OrderedMap 在 Java toString 渲染时保留插入顺序（对应远端 LinkedHashMap）。
type OrderedMap []KV

type KV struct {
	Key   string
	Value any
}

// SignRequestFields 按远端校验的格式拼接 name=value&...key=secret 后取 MD5。
// 空值/缺失字段与 sign 字段被跳过；字段名按大小写不敏感排序。
func SignRequestFields(fields map[string]any, secret string) string {
	return MD5Hex(CanonicalFields(fields) + "key=" + secret)
}

// CanonicalFields 返回 SignRequestFields 的待签名前缀（不含 key=secret）。
func CanonicalFields(fields map[string]any) string {
	names := make([]string, 0, len(fields))
	for name, v := range fields {
		if name == SignField || v == nil {
			continue
		}
		if JavaString(v) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := strings.ToLower(names[i]), strings.ToLower(names[j])
		if a != b {
			return a < b
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(JavaString(fields[name]))
		b.WriteByte('&')
	}
	return b.String()
}

// JavaString 复刻 Java 对象 toString() 的输出：Map 为 {k=v, k2=v2}，List 为 [a, b]，布尔为 true/false。
func JavaString(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint32:
		return strconv.FormatUint(uint64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float32:
		return javaDouble(float64(x))
	case float64:
		return javaDouble(x)
	case OrderedMap:
		parts := make([]string, 0, len(x))
		for _, kv := range x {
			parts = append(parts, kv.Key+"="+JavaString(kv.Value))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+JavaString(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, JavaString(item))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case []string:
		return "[" + strings.Join(x, ", ") + "]"
	case fmt.Stringer:
		return x.String()
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts = append(parts, JavaString(rv.Index(i).Interface()))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case reflect.Int, reflect.Int8, reflect.Int16:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16:
		return strconv.FormatUint(rv.Uint(), 10)
	}
	return fmt.Sprintf("%v", v)
}

func javaDouble(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	abs := math.Abs(f)
	if abs != 0 && (abs < 1e-3 || abs >= 1e7) {
		mant := strconv.FormatFloat(f, 'E', -1, 64)
		m, e, _ := strings.Cut(mant, "E")
		if !strings.Contains(m, ".") {
			m += ".0"
		}
		exp, _ := strconv.Atoi(e)
		return m + "E" + strconv.Itoa(exp)
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

package channel

import (
	"math"
	"strconv"

	"github.com/tidwall/gjson"
)

// Fields 对解码后的响应做严格的形状检查：字段缺失或类型不符一律返回 ErrProtocolShape。
type Fields struct {
	r gjson.Result
}

func ParseFields(body []byte) (Fields, error) {
	if !gjson.ValidBytes(body) {
		return Fields{}, Errorf(ErrProtocolShape, "响应不是合法 JSON")
	}
	r := gjson.ParseBytes(body)
	if !r.IsObject() {
		return Fields{}, Errorf(ErrProtocolShape, "响应不是 JSON 对象")
	}
	return Fields{r: r}, nil
}

func (f Fields) Raw() string { return f.r.Raw }

func (f Fields) Get(path string) gjson.Result { return f.r.Get(path) }

func (f Fields) RequireString(path string) (string, error) {
	v := f.r.Get(path)
	if !v.Exists() {
		return "", Errorf(ErrProtocolShape, "缺少字段 %s", path)
	}
	if v.Type != gjson.String {
		return "", Errorf(ErrProtocolShape, "字段 %s 应为字符串，实际为 %s", path, v.Type)
	}
	if v.Str == "" {
		return "", Errorf(ErrProtocolShape, "字段 %s 为空", path)
	}
	return v.Str, nil
}

func (f Fields) RequireInt(path string) (int64, error) {
	v := f.r.Get(path)
	if !v.Exists() {
		return 0, Errorf(ErrProtocolShape, "缺少字段 %s", path)
	}
	if v.Type != gjson.Number {
		return 0, Errorf(ErrProtocolShape, "字段 %s 应为数字，实际为 %s", path, v.Type)
	}
	if v.Num != math.Trunc(v.Num) {
		return 0, Errorf(ErrProtocolShape, "字段 %s 应为整数: %s", path, v.Raw)
	}
	n, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil {
		return int64(v.Num), nil
	}
	return n, nil
}

func (f Fields) RequireBool(path string) (bool, error) {
	v := f.r.Get(path)
	if !v.Exists() {
		return false, Errorf(ErrProtocolShape, "缺少字段 %s", path)
	}
	if v.Type != gjson.True && v.Type != gjson.False {
		return false, Errorf(ErrProtocolShape, "字段 %s 应为布尔值，实际为 %s", path, v.Type)
	}
	return v.Bool(), nil
}

// RequireID 接受字符串或整数形式的 id，统一返回字符串。
func (f Fields) RequireID(path string) (string, error) {
	v := f.r.Get(path)
	if v.Type == gjson.Number {
		if _, err := f.RequireInt(path); err != nil {
			return "", err
		}
		return v.Raw, nil
	}
	return f.RequireString(path)
}

func (f Fields) RequireArray(path string) ([]gjson.Result, error) {
	v := f.r.Get(path)
	if !v.Exists() {
		return nil, Errorf(ErrProtocolShape, "缺少字段 %s", path)
	}
	if !v.IsArray() {
		return nil, Errorf(ErrProtocolShape, "字段 %s 应为数组", path)
	}
	return v.Array(), nil
}

func (f Fields) RequireObject(path string) (Fields, error) {
	v := f.r.Get(path)
	if !v.Exists() {
		return Fields{}, Errorf(ErrProtocolShape, "缺少字段 %s", path)
	}
	if !v.IsObject() {
		return Fields{}, Errorf(ErrProtocolShape, "字段 %s 应为对象", path)
	}
	return Fields{r: v}, nil
}

// OptionalString 仅用于展示类字段（昵称等）；字段缺失时返回空串。
func (f Fields) OptionalString(path string) string {
	v := f.r.Get(path)
	if v.Type == gjson.String {
		return v.Str
	}
	return ""
}

// Item 把数组元素包装成 Fields，便于对每个元素继续做严格检查。
func Item(r gjson.Result) (Fields, error) {
	if !r.IsObject() {
		return Fields{}, Errorf(ErrProtocolShape, "数组元素应为对象")
	}
	return Fields{r: r}, nil
}

package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	numberAttributes = []string{
		"grindSize", "waterTemperature", "coffeeAmount", "waterAmount", "tasteScore",
		"sournessHot", "sweetnessHot", "bitternessHot",
		"sournessCold", "sweetnessCold", "bitternessCold",
	}
	textAttributes = []string{"coffeeBean", "roastLevel", "brewMethod", "flavorNotes", "notes"}
)

const integerAttribute = "extractionTime"

// UnmarshalLoose decodes raw into v. When the strict decode fails, attribute
// values are coerced first: numeric strings become numbers, scalars in text
// attributes become strings, and values that still do not fit are dropped.
func UnmarshalLoose(raw []byte, v any) error {
	err := sonic.ConfigStd.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	var fields map[string]any
	if lerr := sonic.ConfigStd.Unmarshal(raw, &fields); lerr != nil {
		return err
	}
	for _, k := range numberAttributes {
		setOrDelete(fields, k, looseNumber(fields[k]))
	}
	if n, ok := looseNumber(fields[integerAttribute]).(float64); ok {
		fields[integerAttribute] = int64(n)
	} else {
		delete(fields, integerAttribute)
	}
	for _, k := range textAttributes {
		setOrDelete(fields, k, looseText(fields[k]))
	}
	normalized, merr := sonic.ConfigStd.Marshal(fields)
	if merr != nil {
		return err
	}
	if uerr := sonic.ConfigStd.Unmarshal(normalized, v); uerr != nil {
		return fmt.Errorf("%v (after coercion: %v)", err, uerr)
	}
	return nil
}

func setOrDelete(fields map[string]any, key string, v any) {
	if v == nil {
		delete(fields, key)
		return
	}
	fields[key] = v
}

func looseNumber(v any) any {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		return f
	}
	return nil
}

func looseText(v any) any {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return nil
}

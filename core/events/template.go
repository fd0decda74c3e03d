package events

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

var templateToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)

// Render substitutes {{field}} and {{a.b}} tokens with values from payload.
// Missing fields render as the empty string.
func Render(template string, payload map[string]interface{}) string {
	return templateToken.ReplaceAllStringFunc(template, func(token string) string {
		path := templateToken.FindStringSubmatch(token)[1]
		return stringify(lookup(payload, strings.Split(path, ".")))
	})
}

func lookup(data map[string]interface{}, path []string) interface{} {
	var current interface{} = data
	for _, key := range path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		if current, ok = m[key]; !ok {
			return nil
		}
	}
	return current
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// decodePayload decodes an event payload into a map. Numbers are kept as
// json.Number so ids render exactly. Payloads that are not objects decode
// to an empty map.
func decodePayload(payload []byte) map[string]interface{} {
	data := map[string]interface{}{}
	if len(payload) == 0 {
		return data
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil || data == nil {
		return map[string]interface{}{}
	}
	return data
}

package toolexecutor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
	"unicode/utf8"
)

// now is replaced in tests.
var now = time.Now

// Builtins returns the definitions of the bundled tools.
func Builtins() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "get_current_time",
			Description: "Get the current date and time",
			Category:    CategoryDateTime,
			Parameters: []ToolParameter{
				{Name: "timezone", Type: "string", Description: "IANA timezone name, defaults to local", Default: "local"},
				{Name: "format", Type: "string", Description: "Time format (iso, readable, timestamp)", Default: "readable", Enum: []interface{}{"iso", "readable", "timestamp"}},
			},
			Handler: currentTime,
		},
		{
			Name:        "calculate",
			Description: "Perform mathematical calculations safely",
			Category:    CategoryMath,
			Schema: map[string]interface{}{
				"type":                 "object",
				"additionalProperties": false,
				"properties": map[string]interface{}{
					"expression": map[string]interface{}{
						"type":        "string",
						"description": "Mathematical expression to evaluate (e.g., '2 + 3 * 4')",
					},
					"precision": map[string]interface{}{
						"type":        "integer",
						"description": "Number of decimal places for the result",
						"default":     2,
						"minimum":     0,
						"maximum":     10,
					},
				},
				"required": []interface{}{"expression"},
			},
			Handler: calculate,
		},
		{
			Name:        "text_length",
			Description: "Count the number of characters in a text string",
			Category:    CategoryText,
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "The text to count characters for", Required: true},
				{Name: "include_spaces", Type: "boolean", Description: "Whether to include spaces in the count", Default: true},
			},
			Handler: textLength,
		},
		{
			Name:        "encode_base64",
			Description: "Encode text to base64 format",
			Category:    CategoryText,
			Parameters: []ToolParameter{
				{Name: "text", Type: "string", Description: "Text to encode", Required: true},
			},
			Handler: func(_ context.Context, params map[string]interface{}) (interface{}, error) {
				text, _ := params["text"].(string)
				return base64.StdEncoding.EncodeToString([]byte(text)), nil
			},
		},
		{
			Name:        "decode_base64",
			Description: "Decode base64 text to plain text",
			Category:    CategoryText,
			Parameters: []ToolParameter{
				{Name: "encoded_text", Type: "string", Description: "Base64 text to decode", Required: true},
			},
			Handler: decodeBase64,
		},
	}
}

// RegisterBuiltins registers every bundled tool.
func RegisterBuiltins(te *ToolExecutor) error {
	for _, def := range Builtins() {
		if err := te.Register(def, false); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", def.Name, err)
		}
	}
	return nil
}

func stringParam(params map[string]interface{}, name, fallback string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

func currentTime(_ context.Context, params map[string]interface{}) (interface{}, error) {
	t := now()
	if tz := stringParam(params, "timezone", "local"); !strings.EqualFold(tz, "local") {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		t = t.In(loc)
	}

	switch stringParam(params, "format", "readable") {
	case "iso":
		return t.Format(time.RFC3339), nil
	case "timestamp":
		return strconv.FormatInt(t.Unix(), 10), nil
	default:
		return t.Format("2006-01-02 15:04:05"), nil
	}
}

func calculate(_ context.Context, params map[string]interface{}) (interface{}, error) {
	expression, _ := params["expression"].(string)
	precision := 2
	if p, ok := params["precision"].(float64); ok {
		precision = int(p)
	} else if p, ok := params["precision"].(int); ok {
		precision = p
	}

	result, err := evaluate(expression)
	if err != nil {
		return nil, err
	}

	formatted := strconv.FormatInt(int64(result), 10)
	if precision > 0 {
		formatted = strconv.FormatFloat(result, 'f', precision, 64)
	}
	return map[string]interface{}{
		"result":           result,
		"expression":       expression,
		"formatted_result": formatted,
	}, nil
}

func textLength(_ context.Context, params map[string]interface{}) (interface{}, error) {
	text, _ := params["text"].(string)
	includeSpaces := true
	if v, ok := params["include_spaces"].(bool); ok {
		includeSpaces = v
	}

	counted := text
	if !includeSpaces {
		counted = strings.ReplaceAll(text, " ", "")
	}
	return map[string]interface{}{
		"text":            text,
		"character_count": utf8.RuneCountInString(counted),
		"include_spaces":  includeSpaces,
		"word_count":      len(strings.Fields(text)),
	}, nil
}

func decodeBase64(_ context.Context, params map[string]interface{}) (interface{}, error) {
	encoded, _ := params["encoded_text"].(string)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("invalid base64 encoding: decoded bytes are not UTF-8")
	}
	return string(decoded), nil
}

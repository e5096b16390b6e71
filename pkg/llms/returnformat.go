package llms

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/modelkit/modelkit/pkg/structured"
)

// Named return formats. Anything else passed as a return format is
// treated as a structured-output target (a struct pointer or a map
// template) populated from the model's JSON answer.
const (
	FormatSingle = "single"
	FormatAll    = "all"
	FormatRaw    = "raw"
	FormatJSON   = "json"
	FormatXML    = "xml"
)

// Transform applies the requested return format to a normalized
// response. The zero format defaults to single.
func Transform(resp *Response, format any) (any, error) {
	switch f := format.(type) {
	case nil:
		return resp.FirstText(), nil
	case string:
		switch strings.ToLower(f) {
		case "", FormatSingle:
			return resp.FirstText(), nil
		case FormatAll:
			return resp.Choices, nil
		case FormatRaw:
			return resp.Raw, nil
		case FormatJSON:
			return decodeJSONAnswer(resp)
		case FormatXML:
			return decodeXMLAnswer(resp)
		default:
			return nil, &Error{
				Kind:     KindInvalidArgument,
				Provider: resp.Provider,
				Message:  "unknown return format " + f,
			}
		}
	default:
		data, err := decodeJSONAnswer(resp)
		if err != nil {
			return nil, err
		}
		populated, err := structured.Populate(format, data)
		if err != nil {
			return nil, &Error{
				Kind:     KindSchemaViolation,
				Provider: resp.Provider,
				Message:  "model output does not match the requested schema",
				Err:      err,
			}
		}
		return populated, nil
	}
}

func decodeJSONAnswer(resp *Response) (any, error) {
	text := stripCodeFence(resp.FirstText(), "json")
	var out any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, &Error{
			Kind:     KindSchemaViolation,
			Provider: resp.Provider,
			Message:  "model output is not valid JSON",
			Err:      err,
		}
	}
	return out, nil
}

// decodeXMLAnswer strips a fence and checks the payload is well-formed
// XML with at least one element. The text itself is returned; callers
// pick their own unmarshal target.
func decodeXMLAnswer(resp *Response) (any, error) {
	text := stripCodeFence(resp.FirstText(), "xml")
	invalid := func(err error) error {
		return &Error{
			Kind:     KindSchemaViolation,
			Provider: resp.Provider,
			Message:  "model output is not well-formed XML",
			Err:      err,
		}
	}

	dec := xml.NewDecoder(strings.NewReader(text))
	seenElement := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, invalid(err)
		}
		if _, ok := tok.(xml.StartElement); ok {
			seenElement = true
		}
	}
	if !seenElement {
		return nil, invalid(errors.New("no XML element found"))
	}
	return text, nil
}

// stripCodeFence unwraps a ```lang fenced block when the model insists
// on markdown despite instructions.
func stripCodeFence(s, lang string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```"+lang)
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

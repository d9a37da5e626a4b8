package envelope

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/shaneisley/simplerest/pkg/i18n"
	"golang.org/x/text/encoding/htmlindex"
)

// Validator is implemented by schema values that check themselves after decoding
type Validator interface {
	Validate() error
}

// Decoder turns transport responses into envelopes
type Decoder struct {
	Texts *i18n.Texts
	// Encoding is used for text bodies that declare no charset
	Encoding string
}

// FromResponse reads and closes the body of resp. JSON bodies become maps or
// slices (or schema, when given and the status is 2xx), text bodies become
// strings, anything else stays []byte. Read failures and undecodable 2xx
// bodies produce a transport-failure envelope; an undecodable error body
// keeps its status and stays []byte.
func (d *Decoder) FromResponse(resp *http.Response, schema any) *Envelope {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return FromError(d.Texts, fmt.Errorf("read response body: %w", err))
	}

	return d.FromBody(resp.StatusCode, resp.Header, body, schema)
}

// FromBody decodes an already buffered body
func (d *Decoder) FromBody(status int, headers http.Header, body []byte, schema any) *Envelope {
	mediaType, params, _ := mime.ParseMediaType(headers.Get("Content-Type"))

	var data any
	switch {
	case isJSON(mediaType):
		if schema != nil && status >= 200 && status < 300 {
			if err := json.Unmarshal(body, schema); err != nil {
				return FromError(d.Texts, fmt.Errorf("decode response into %T: %w", schema, err))
			}
			if v, ok := schema.(Validator); ok {
				if err := v.Validate(); err != nil {
					return FromError(d.Texts, fmt.Errorf("validate %T: %w", schema, err))
				}
			}
			data = schema
			break
		}
		if len(body) == 0 {
			data = map[string]any{}
			break
		}
		if err := json.Unmarshal(body, &data); err != nil {
			if status < 200 || status > 299 {
				data = body
				break
			}
			return FromError(d.Texts, fmt.Errorf("decode json response: %w", err))
		}
	case strings.HasPrefix(mediaType, "text/"):
		data = decodeText(body, params["charset"], d.Encoding)
	default:
		data = body
	}

	return New(d.Texts, status, headers, data, nil)
}

func isJSON(mediaType string) bool {
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// decodeText converts body to UTF-8 from the declared charset, falling back
// to the configured encoding and finally to the raw bytes.
func decodeText(body []byte, charset, fallback string) string {
	name := charset
	if name == "" {
		name = fallback
	}
	if name == "" {
		return string(body)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return string(body)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return string(body)
	}
	return string(out)
}

package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"sort"
)

// FileBody opens path for use as Request.BodyReader
func FileBody(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open upload %s: %w", path, err)
	}
	return f, nil
}

// payload produces a fresh body reader for each attempt
type payload struct {
	data        []byte
	reader      io.Reader
	contentType string
	used        bool
}

// replayable reports whether the body can be sent again
func (p *payload) replayable() bool {
	return p.reader == nil
}

func (p *payload) open() (io.Reader, error) {
	if p.reader != nil {
		if p.used {
			return nil, fmt.Errorf("streamed body already sent")
		}
		p.used = true
		return p.reader, nil
	}
	if p.data == nil {
		return nil, nil
	}
	return bytes.NewReader(p.data), nil
}

func encodeBody(r *Request) (*payload, error) {
	if r.BodyReader != nil {
		return &payload{reader: r.BodyReader}, nil
	}
	if len(r.Files) > 0 {
		return encodeMultipart(r.Body, r.Files)
	}

	switch body := r.Body.(type) {
	case nil:
		return &payload{}, nil
	case []byte:
		return &payload{data: body}, nil
	case string:
		return &payload{data: []byte(body)}, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		return &payload{data: data, contentType: "application/json"}, nil
	}
}

// encodeMultipart packs files as "file" parts. Object bodies become form fields.
func encodeMultipart(body any, files []string) (*payload, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := writeFields(w, body); err != nil {
		return nil, err
	}

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", path, err)
		}

		contentType := mime.TypeByExtension(filepath.Ext(path))
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("create part for %s: %w", path, err)
		}
		if _, err := part.Write(content); err != nil {
			return nil, fmt.Errorf("write part for %s: %w", path, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}
	return &payload{data: buf.Bytes(), contentType: w.FormDataContentType()}, nil
}

func writeFields(w *multipart.Writer, body any) error {
	fields := map[string]string{}
	switch b := body.(type) {
	case nil:
		return nil
	case map[string]string:
		fields = b
	case map[string]any:
		for k, v := range b {
			fields[k] = fmt.Sprint(v)
		}
	default:
		return fmt.Errorf("multipart body must be a map, got %T", body)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}
	return nil
}

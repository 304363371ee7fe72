// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package peer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// Content types the codec derives from body kinds.
const (
	ContentTypeEventStream    = "text/event-stream"
	ContentTypeFormURLEncoded = "application/x-www-form-urlencoded"
	ContentTypeMultipartForm  = "multipart/form-data"
	ContentTypeOctetStream    = "application/octet-stream"
)

const defaultBlobName = "blob"

// Blob is an opaque binary body.
type Blob struct {
	Type string
	Data []byte
}

func NewBlob(data []byte, contentType string) *Blob {
	return &Blob{Type: contentType, Data: data}
}

func (b *Blob) Size() int { return len(b.Data) }

// File is a named Blob.
type File struct {
	Blob
	Name string
}

func NewFile(data []byte, name, contentType string) *File {
	return &File{Blob: Blob{Type: contentType, Data: data}, Name: name}
}

// FormEntry is one field of a FormData. Exactly one of Value or File is set.
type FormEntry struct {
	Name  string
	Value string
	File  *File
}

// FormData is an ordered multi-map of text fields and file parts.
type FormData struct {
	entries []FormEntry
}

func NewFormData() *FormData { return &FormData{} }

func (f *FormData) Append(name, value string) {
	f.entries = append(f.entries, FormEntry{Name: name, Value: value})
}

func (f *FormData) AppendFile(name string, file *File) {
	f.entries = append(f.entries, FormEntry{Name: name, File: file})
}

// Get returns the first text value for name.
func (f *FormData) Get(name string) string {
	for _, e := range f.entries {
		if e.Name == name && e.File == nil {
			return e.Value
		}
	}
	return ""
}

// GetFile returns the first file part for name, or nil.
func (f *FormData) GetFile(name string) *File {
	for _, e := range f.entries {
		if e.Name == name && e.File != nil {
			return e.File
		}
	}
	return nil
}

func (f *FormData) Entries() []FormEntry {
	return append([]FormEntry(nil), f.entries...)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeFormData renders f as a multipart body and returns it with its
// content type, boundary included.
func encodeFormData(f *FormData) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, e := range f.entries {
		if e.File == nil {
			if err := w.WriteField(e.Name, e.Value); err != nil {
				return nil, "", fmt.Errorf("write form field %q: %w", e.Name, err)
			}
			continue
		}
		name := e.File.Name
		if name == "" {
			name = defaultBlobName
		}
		contentType := e.File.Type
		if contentType == "" {
			contentType = ContentTypeOctetStream
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			quoteEscaper.Replace(e.Name), quoteEscaper.Replace(name)))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create form part %q: %w", e.Name, err)
		}
		if _, err := part.Write(e.File.Data); err != nil {
			return nil, "", fmt.Errorf("write form part %q: %w", e.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func decodeFormData(data []byte, contentType string) (*FormData, error) {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("parse form content type: %w", err)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("form content type %q has no boundary", contentType)
	}

	form := NewFormData()
	r := multipart.NewReader(bytes.NewReader(data), boundary)
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return form, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read form part: %w", err)
		}
		content, err := io.ReadAll(part)
		if err != nil {
			return nil, fmt.Errorf("read form part %q: %w", part.FormName(), err)
		}
		_, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if filename, ok := dispParams["filename"]; ok {
			form.AppendFile(part.FormName(), NewFile(content, filename, part.Header.Get("Content-Type")))
		} else {
			form.Append(part.FormName(), string(content))
		}
	}
}

func contentDisposition(filename string) string {
	if d := mime.FormatMediaType("inline", map[string]string{"filename": filename}); d != "" {
		return d
	}
	return "inline"
}

func filenameFromDisposition(disposition string) string {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil || params["filename"] == "" {
		return defaultBlobName
	}
	return params["filename"]
}

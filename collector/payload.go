package collector

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/hazyhaar/telemd/idgen"
)

// Payload format versions in [BinaryAttachmentMin, BinaryAttachmentMax]
// denote a binary attachment rather than inline text.
const (
	BinaryAttachmentMin = 200
	BinaryAttachmentMax = 300
)

// Payload is the resolved request body of an admission.
type Payload struct {
	Text     string // decoded inline text, empty for file uploads
	MimeType string
	FilePath string // quarantine path, non-empty for file uploads
}

// ResolvePayload decodes the request body. Multipart requests save the
// "payload" file part into the quarantine directory under a collision-free
// timestamped name; everything else is decoded as text, UTF-8 preferred
// with a Latin-1 fallback that accepts all byte values.
func ResolvePayload(r *http.Request, quarantineDir string, name idgen.Generator) (*Payload, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		return saveMultipartPayload(r, quarantineDir, name)
	}
	return decodeTextPayload(r, contentType)
}

func decodeTextPayload(r *http.Request, contentType string) (*Payload, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("collector: read payload: %w", err)
	}
	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("collector: decode payload: %w", err)
		}
		text = string(decoded)
	}
	return &Payload{Text: text, MimeType: contentType}, nil
}

func saveMultipartPayload(r *http.Request, quarantineDir string, name idgen.Generator) (*Payload, error) {
	file, header, err := r.FormFile("payload")
	if err != nil {
		return nil, invalidf("Multipart request is missing the payload file part")
	}
	defer file.Close()

	path := filepath.Join(quarantineDir, name())
	dst, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("collector: quarantine %s: %w", path, err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("collector: quarantine %s: %w", path, err)
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &Payload{MimeType: mimeType, FilePath: path}, nil
}

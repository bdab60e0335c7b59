package index

import (
	"fmt"

	"github.com/bytedance/sonic"

	"brewlab/internal/domain"
)

// EncodeDocument renders doc for storage.
func EncodeDocument(doc domain.Document) ([]byte, error) {
	return sonic.ConfigStd.Marshal(doc)
}

// DecodeDocument reads a stored document leniently: unknown fields are
// ignored and numeric attributes may be stored as numbers or numeric
// strings. Values that cannot be read as numbers are dropped.
func DecodeDocument(raw []byte) (domain.Document, error) {
	var doc domain.Document
	if err := domain.UnmarshalLoose(raw, &doc); err != nil {
		return domain.Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

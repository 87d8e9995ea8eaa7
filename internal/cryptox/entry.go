package cryptox

import (
	"encoding/binary"
	"fmt"

	"github.com/dmitrijs2005/gophstore/internal/models"
)

// valueAAD binds a value ciphertext to its entry key. The category is
// length-prefixed so that no two keys share an encoding.
func valueAAD(category, name string) []byte {
	aad := make([]byte, 0, 4+len(category)+len(name))
	aad = binary.BigEndian.AppendUint32(aad, uint32(len(category)))
	aad = append(aad, category...)
	return append(aad, name...)
}

// EncodeTag converts a tag into its persisted form. Plaintext tags bypass
// encryption entirely.
func (k *StoreKey) EncodeTag(t models.Tag) (models.RowTag, error) {
	if t.Plaintext {
		return models.RowTag{Name: []byte(t.Name), Value: []byte(t.Value), Plaintext: true}, nil
	}
	name, err := k.EncryptTagName(t.Name)
	if err != nil {
		return models.RowTag{}, err
	}
	value, err := k.EncryptTagValue(t.Value)
	if err != nil {
		return models.RowTag{}, err
	}
	return models.RowTag{Name: name, Value: value}, nil
}

// DecodeTag reverses EncodeTag.
func (k *StoreKey) DecodeTag(t models.RowTag) (models.Tag, error) {
	if t.Plaintext {
		return models.Tag{Name: string(t.Name), Value: string(t.Value), Plaintext: true}, nil
	}
	name, err := k.DecryptTagName(t.Name)
	if err != nil {
		return models.Tag{}, fmt.Errorf("tag name: %w", err)
	}
	value, err := k.DecryptTagValue(t.Value)
	if err != nil {
		return models.Tag{}, fmt.Errorf("tag value: %w", err)
	}
	return models.Tag{Name: name, Value: value}, nil
}

// EncryptEntry produces the row persisted for e.
func (k *StoreKey) EncryptEntry(e *models.Entry) (*models.Row, error) {
	value, err := k.EncryptValue(e.Value, valueAAD(e.Category, e.Name))
	if err != nil {
		return nil, err
	}

	row := &models.Row{Category: e.Category, Name: e.Name, Value: value}
	if len(e.Tags) > 0 {
		row.Tags = make([]models.RowTag, 0, len(e.Tags))
	}
	for _, t := range e.Tags {
		rt, err := k.EncodeTag(t)
		if err != nil {
			return nil, err
		}
		row.Tags = append(row.Tags, rt)
	}
	return row, nil
}

// DecryptEntry restores the entry stored in row.
func (k *StoreKey) DecryptEntry(row *models.Row) (*models.Entry, error) {
	value, err := k.DecryptValue(row.Value, valueAAD(row.Category, row.Name))
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", row.Key(), err)
	}

	e := &models.Entry{Category: row.Category, Name: row.Name, Value: value}
	if len(row.Tags) > 0 {
		e.Tags = make([]models.Tag, 0, len(row.Tags))
	}
	for _, rt := range row.Tags {
		t, err := k.DecodeTag(rt)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", row.Key(), err)
		}
		e.Tags = append(e.Tags, t)
	}
	return e, nil
}

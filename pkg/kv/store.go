package kv

import (
	"time"

	"msgstore/pkg/models"
)

// Store binds the accessors to one collection.
type Store struct {
	collection string
}

func NewStore(collection string) Store {
	return Store{collection: collection}
}

func (s Store) Collection() string { return s.collection }

func (s Store) GetBool(tx Getter, key string, def bool) bool {
	return GetBool(tx, key, s.collection, def)
}

func (s Store) GetInt(tx Getter, key string, def int32) int32 {
	return GetInt(tx, key, s.collection, def)
}

func (s Store) GetDate(tx Getter, key string) (time.Time, bool) {
	return GetDate(tx, key, s.collection)
}

func (s Store) GetDictionary(tx Getter, key string) (map[string]any, bool) {
	return GetDictionary(tx, key, s.collection)
}

func (s Store) GetString(tx Getter, key string) (string, bool) {
	return GetString(tx, key, s.collection)
}

func (s Store) GetData(tx Getter, key string) ([]byte, bool) {
	return GetData(tx, key, s.collection)
}

func (s Store) GetKeyPair(tx Getter, key string) (models.KeyPair, bool) {
	return GetKeyPair(tx, key, s.collection)
}

func (s Store) GetPreKeyRecord(tx Getter, key string) (models.PreKeyRecord, bool) {
	return GetPreKeyRecord(tx, key, s.collection)
}

func (s Store) GetSignedPreKeyRecord(tx Getter, key string) (models.SignedPreKeyRecord, bool) {
	return GetSignedPreKeyRecord(tx, key, s.collection)
}

func (s Store) SetBool(tx Writer, key string, v bool) error {
	return SetBool(tx, key, s.collection, v)
}

func (s Store) SetInt(tx Writer, key string, v int32) error {
	return SetInt(tx, key, s.collection, v)
}

func (s Store) SetDate(tx Writer, key string, v time.Time) error {
	return SetDate(tx, key, s.collection, v)
}

func (s Store) SetDictionary(tx Writer, key string, v map[string]any) error {
	return SetDictionary(tx, key, s.collection, v)
}

// SetString removes the key when v is nil.
func (s Store) SetString(tx Writer, key string, v *string) error {
	if v == nil {
		return Remove(tx, key, s.collection)
	}
	return SetString(tx, key, s.collection, *v)
}

func (s Store) SetData(tx Writer, key string, v []byte) error {
	return SetData(tx, key, s.collection, v)
}

func (s Store) SetKeyPair(tx Writer, key string, v models.KeyPair) error {
	return SetKeyPair(tx, key, s.collection, v)
}

func (s Store) SetPreKeyRecord(tx Writer, key string, v *models.PreKeyRecord) error {
	return SetPreKeyRecord(tx, key, s.collection, v)
}

func (s Store) SetSignedPreKeyRecord(tx Writer, key string, v *models.SignedPreKeyRecord) error {
	return SetSignedPreKeyRecord(tx, key, s.collection, v)
}

// HasValue reports whether anything is stored at key, whatever its kind.
// A storage fault reads as false.
func (s Store) HasValue(tx Getter, key string) bool {
	_, ok, err := tx.Get(s.collection, key)
	return err == nil && ok
}

func (s Store) RemoveValue(tx Writer, key string) error {
	return Remove(tx, key, s.collection)
}

// RemoveAll deletes every key in the collection.
func (s Store) RemoveAll(tx Writer) error {
	keys, err := s.AllKeys(tx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := Remove(tx, k, s.collection); err != nil {
			return err
		}
	}
	return nil
}

// AllKeys lists the collection's keys in order.
func (s Store) AllKeys(tx Reader) ([]string, error) {
	var keys []string
	err := tx.EnumerateKeysAndValues(s.collection, func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	})
	return keys, err
}

func (s Store) Count(tx Reader) (int, error) {
	n := 0
	err := tx.EnumerateKeysAndValues(s.collection, func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}

package command

import (
	"fmt"

	"github.com/hupe1980/chronos/model"
)

// Kind tags a command variant on the wire.
type Kind uint8

const (
	KindInsert Kind = iota + 1
	KindUpdate
	KindDelete
	KindGet
	KindHistory
	KindVectorSearch
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindGet:
		return "get"
	case KindHistory:
		return "history"
	case KindVectorSearch:
		return "vector_search"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k names a known variant.
func (k Kind) Valid() bool {
	return k >= KindInsert && k <= KindVectorSearch
}

// ReadOnly reports whether commands of this kind leave state unchanged.
func (k Kind) ReadOnly() bool {
	return k == KindGet || k == KindHistory || k == KindVectorSearch
}

// Command is one of Insert, Update, Delete, Get, History, VectorSearch.
type Command interface {
	Kind() Kind
	isCommand()
}

// Insert creates a key. ValidFrom zero means "at the log position".
type Insert struct {
	Key       model.Key `msgpack:"key"`
	Vector    []float32 `msgpack:"vector"`
	Payload   []byte    `msgpack:"payload"`
	ValidFrom uint64    `msgpack:"valid_from,omitempty"`
}

// Update replaces the payload of a live key. A nil Vector keeps the current
// vector.
type Update struct {
	Key       model.Key `msgpack:"key"`
	Payload   []byte    `msgpack:"payload"`
	Vector    []float32 `msgpack:"vector,omitempty"`
	ValidFrom uint64    `msgpack:"valid_from,omitempty"`
}

// Delete writes a tombstone for a live key.
type Delete struct {
	Key       model.Key `msgpack:"key"`
	ValidFrom uint64    `msgpack:"valid_from,omitempty"`
}

// Get reads the latest live version of a key.
type Get struct {
	Key model.Key `msgpack:"key"`
}

// History reads every version of a key, oldest first.
type History struct {
	Key model.Key `msgpack:"key"`
}

// VectorSearch returns the K nearest live keys to Vector.
type VectorSearch struct {
	Vector []float32 `msgpack:"vector"`
	K      int       `msgpack:"k"`
}

func (Insert) Kind() Kind       { return KindInsert }
func (Update) Kind() Kind       { return KindUpdate }
func (Delete) Kind() Kind       { return KindDelete }
func (Get) Kind() Kind          { return KindGet }
func (History) Kind() Kind      { return KindHistory }
func (VectorSearch) Kind() Kind { return KindVectorSearch }

func (Insert) isCommand()       {}
func (Update) isCommand()       {}
func (Delete) isCommand()       {}
func (Get) isCommand()          {}
func (History) isCommand()      {}
func (VectorSearch) isCommand() {}

// KeyOf returns the key a command addresses, if any.
func KeyOf(c Command) (model.Key, bool) {
	switch c := c.(type) {
	case Insert:
		return c.Key, true
	case Update:
		return c.Key, true
	case Delete:
		return c.Key, true
	case Get:
		return c.Key, true
	case History:
		return c.Key, true
	default:
		return model.Key{}, false
	}
}

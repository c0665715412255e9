package relay

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// State is an engine's replica state. The relay never looks inside it.
type State any

// Engine is the replicated update engine the relay delegates merging to.
// ApplyUpdate must be commutative and idempotent over update blobs.
type Engine interface {
	// DecodeState rebuilds a replica from a persisted snapshot; nil or empty
	// input yields an empty replica.
	DecodeState(encoded []byte) (State, error)
	ApplyUpdate(state State, update []byte) (State, error)
	EncodeState(state State) ([]byte, error)
}

// SetEngine is a reference engine whose state is the set of distinct update
// blobs seen so far. Applying the same blobs in any order, any number of
// times, yields the same encoded state.
type SetEngine struct {
	enc cbor.EncMode
}

type setState struct {
	blobs map[[sha256.Size]byte][]byte
}

type encodedSet struct {
	Updates [][]byte `cbor:"1,keyasint"`
}

func NewSetEngine() (*SetEngine, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	return &SetEngine{enc: enc}, nil
}

func (e *SetEngine) DecodeState(encoded []byte) (State, error) {
	state := &setState{blobs: map[[sha256.Size]byte][]byte{}}
	if len(encoded) == 0 {
		return state, nil
	}
	var decoded encodedSet
	if err := cbor.Unmarshal(encoded, &decoded); err != nil {
		return nil, fmt.Errorf("decode set state: %w", err)
	}
	for _, blob := range decoded.Updates {
		state.blobs[sha256.Sum256(blob)] = blob
	}
	return state, nil
}

func (e *SetEngine) ApplyUpdate(state State, update []byte) (State, error) {
	set, err := e.asSet(state)
	if err != nil {
		return nil, err
	}
	if len(update) == 0 {
		return nil, fmt.Errorf("apply update: empty blob")
	}
	key := sha256.Sum256(update)
	if _, seen := set.blobs[key]; !seen {
		set.blobs[key] = append([]byte(nil), update...)
	}
	return set, nil
}

func (e *SetEngine) EncodeState(state State) ([]byte, error) {
	set, err := e.asSet(state)
	if err != nil {
		return nil, err
	}
	keys := make([][sha256.Size]byte, 0, len(set.blobs))
	for k := range set.blobs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })

	out := encodedSet{Updates: make([][]byte, 0, len(keys))}
	for _, k := range keys {
		out.Updates = append(out.Updates, set.blobs[k])
	}
	encoded, err := e.enc.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode set state: %w", err)
	}
	return encoded, nil
}

func (e *SetEngine) asSet(state State) (*setState, error) {
	if state == nil {
		return &setState{blobs: map[[sha256.Size]byte][]byte{}}, nil
	}
	set, ok := state.(*setState)
	if !ok {
		return nil, fmt.Errorf("set engine: unexpected state %T", state)
	}
	return set, nil
}

package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"txflow/internal/aggregation"
	"txflow/internal/txflow"
)

// validatorEntry is one validator in the validators file.
type validatorEntry struct {
	ID     string `json:"id"`     // hex ed25519 public key
	BLSKey string `json:"bls"`    // hex compressed BLS public key
	Weight uint64 `json:"weight"` // voting weight, defaults to 1
}

// loadValidators reads the validator set from a JSON file.
func loadValidators(path string) (*txflow.ValidatorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read validators file:\n%w", err)
	}

	return parseValidators(data)
}

// parseValidators decodes a JSON array of validator entries.
func parseValidators(data []byte) (*txflow.ValidatorSet, error) {
	var entries []validatorEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode validators:\n%w", err)
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("validators file is empty")
	}

	vs := txflow.NewValidatorSet(nil)

	for i, e := range entries {
		v, err := e.toValidator()
		if err != nil {
			return nil, fmt.Errorf("validator %d:\n%w", i, err)
		}

		if !vs.Add(v) {
			return nil, fmt.Errorf("validator %d: duplicate id %s", i, e.ID)
		}
	}

	return vs, nil
}

// toValidator decodes and checks a single entry.
func (e validatorEntry) toValidator() (txflow.Validator, error) {
	var v txflow.Validator

	id, err := hex.DecodeString(e.ID)
	if err != nil || len(id) != ed25519.PublicKeySize {
		return v, fmt.Errorf("invalid id %q", e.ID)
	}

	raw, err := hex.DecodeString(e.BLSKey)
	if err != nil {
		return v, fmt.Errorf("invalid bls key %q", e.BLSKey)
	}

	blsKey, err := aggregation.ParsePublicKey(raw)
	if err != nil {
		return v, fmt.Errorf("parse bls key:\n%w", err)
	}

	copy(v.ID[:], id)
	v.BLSKey = blsKey
	v.Weight = e.Weight

	if v.Weight == 0 {
		v.Weight = 1
	}

	return v, nil
}

// identityEntry returns the validators file entry for a private key.
func identityEntry(priv ed25519.PrivateKey) (validatorEntry, error) {
	blsKey, err := aggregation.DeriveFromED25519(priv)
	if err != nil {
		return validatorEntry{}, fmt.Errorf("derive bls key:\n%w", err)
	}

	pk := blsKey.PublicKey()

	return validatorEntry{
		ID:     hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		BLSKey: hex.EncodeToString(pk[:]),
		Weight: 1,
	}, nil
}

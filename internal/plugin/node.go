package plugin

import (
	"errors"
	"fmt"

	"github.com/blockjoy/babel/internal/datastore"
	"github.com/blockjoy/babel/internal/secretstore"
)

// NodeParams returns the node's static key/value parameters, as supplied
// by the control plane at node creation.
func (b *Bridge) NodeParams() map[string]string {
	out := make(map[string]string, len(b.nodeParams))
	for k, v := range b.nodeParams {
		out[k] = v
	}
	return out
}

// NodeEnv returns the node's read-only runtime environment.
func (b *Bridge) NodeEnv() NodeEnv {
	return b.nodeEnv
}

// GetSecretRequest is get_secret's argument.
type GetSecretRequest struct {
	Name string `json:"name"`
}

// GetSecret decrypts and returns a previously stored secret's plaintext.
func (b *Bridge) GetSecret(raw []byte) ([]byte, error) {
	var req GetSecretRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}
	val, err := b.secrets.Get(req.Name)
	if err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: get_secret: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("plugin: get_secret: %w", err)
	}
	return val, nil
}

// PutSecretRequest is put_secret's argument.
type PutSecretRequest struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// PutSecret encrypts and stores a secret.
func (b *Bridge) PutSecret(raw []byte) error {
	var req PutSecretRequest
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}
	if err := b.secrets.Put(req.Name, req.Value); err != nil {
		return fmt.Errorf("plugin: put_secret: %w", err)
	}
	return nil
}

// SaveDataRequest is save_data's argument.
type SaveDataRequest struct {
	Job  string `json:"job"`
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// SaveData persists opaque per-job plugin state.
func (b *Bridge) SaveData(raw []byte) error {
	var req SaveDataRequest
	if err := decodeStrict(raw, &req); err != nil {
		return err
	}
	if err := b.data.Save(req.Job, req.Key, req.Data); err != nil {
		return fmt.Errorf("plugin: save_data: %w", err)
	}
	return nil
}

// LoadDataRequest is load_data's argument.
type LoadDataRequest struct {
	Job string `json:"job"`
	Key string `json:"key"`
}

// LoadData retrieves previously persisted opaque per-job plugin state.
func (b *Bridge) LoadData(raw []byte) ([]byte, error) {
	var req LoadDataRequest
	if err := decodeStrict(raw, &req); err != nil {
		return nil, err
	}
	val, err := b.data.Load(req.Job, req.Key)
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, fmt.Errorf("%w: load_data: %v", ErrNotFound, err)
		}
		return nil, fmt.Errorf("plugin: load_data: %w", err)
	}
	return val, nil
}

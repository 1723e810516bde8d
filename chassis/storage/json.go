package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ReadJSON downloads key into a temporary file and decodes it into v.
func ReadJSON(ctx context.Context, client Client, key string, v interface{}) error {
	tmp, err := os.CreateTemp("", "stacdc-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := client.Download(ctx, key, tmp.Name()); err != nil {
		return err
	}
	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// WriteJSON encodes v into a temporary file and uploads it to key.
func WriteJSON(ctx context.Context, client Client, key string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return WriteBytes(ctx, client, key, data)
}

// WriteBytes uploads data to key through a temporary file.
func WriteBytes(ctx context.Context, client Client, key string, data []byte) error {
	tmp, err := os.CreateTemp("", "stacdc-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return client.Upload(ctx, key, tmp.Name())
}

package catalogue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient reports a conflict for every id it has already seen.
type stubClient struct {
	registered     map[string]bool
	deletes        []string
	alwaysConflict bool
	registerErr    error
	deleteErr      error
}

func newStubClient() *stubClient {
	return &stubClient{registered: make(map[string]bool)}
}

func (s *stubClient) RegisterItem(_ context.Context, collection string, record []byte) (string, error) {
	if s.registerErr != nil {
		return "", s.registerErr
	}
	id := string(record)
	if s.registered[id] || s.alwaysConflict {
		return "", &ConflictError{ExistingID: id}
	}
	s.registered[id] = true
	return "feature-" + id, nil
}

func (s *stubClient) DeleteItem(_ context.Context, collection, featureID string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deletes = append(s.deletes, featureID)
	delete(s.registered, featureID)
	return nil
}

func TestRegisterResolvesConflictOnce(t *testing.T) {
	ctx := context.Background()
	client := newStubClient()
	r := NewRegistrar(client, 3)

	id, err := r.Register(ctx, "reanalysis-era5-land", []byte("item-1"))
	require.NoError(t, err)
	assert.Equal(t, "feature-item-1", id)
	assert.Empty(t, client.deletes)

	id, err = r.Register(ctx, "reanalysis-era5-land", []byte("item-1"))
	require.NoError(t, err)
	assert.Equal(t, "feature-item-1", id)
	assert.Equal(t, []string{"item-1"}, client.deletes)
}

func TestRegisterConflictLimit(t *testing.T) {
	client := newStubClient()
	client.alwaysConflict = true
	r := NewRegistrar(client, 3)

	_, err := r.Register(context.Background(), "reanalysis-era5-land", []byte("item-1"))
	var limit *ConflictLimitError
	require.True(t, errors.As(err, &limit))
	assert.Equal(t, 3, limit.Conflicts)
	assert.Len(t, client.deletes, 3)
}

func TestRegisterPermanentError(t *testing.T) {
	client := newStubClient()
	client.registerErr = &StatusError{StatusCode: 500, Body: "down"}
	r := NewRegistrar(client, 3)

	_, err := r.Register(context.Background(), "c", []byte("x"))
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, 500, status.StatusCode)
	assert.Empty(t, client.deletes)
}

func TestRegisterDeleteFailure(t *testing.T) {
	client := newStubClient()
	client.registered["x"] = true
	client.deleteErr = &StatusError{StatusCode: 404}
	r := NewRegistrar(client, 3)

	_, err := r.Register(context.Background(), "c", []byte("x"))
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, 404, status.StatusCode)
}

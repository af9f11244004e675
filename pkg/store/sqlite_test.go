package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/product-os/jellyfish-worker-sub001/pkg/contracts"
	"github.com/product-os/jellyfish-worker-sub001/pkg/store"
)

func newKernel(t *testing.T) *store.SQLite {
	t.Helper()
	kernel, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kernel.Close() })
	return kernel
}

func privileged() *contracts.Session {
	return &contracts.Session{Actor: "test-actor", Privileged: true}
}

func TestSQLite_InsertAndGet(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	created, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug:    "thread-foo",
		Version: "1.0.0",
		Type:    "thread@1.0.0",
		Active:  true,
		Data:    map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.NotEmpty(t, created.CreatedAt)

	byID, err := kernel.GetByID(ctx, privileged(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "thread-foo", byID.Slug)

	bySlug, err := kernel.GetBySlug(ctx, privileged(), "thread-foo@1.0.0")
	require.NoError(t, err)
	require.NotNil(t, bySlug)
	assert.Equal(t, created.ID, bySlug.ID)
}

func TestSQLite_MissingReadsReturnNil(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	byID, err := kernel.GetByID(ctx, privileged(), "7b4e30cc-1f7a-4b59-9e9e-000000000000")
	require.NoError(t, err)
	assert.Nil(t, byID)

	bySlug, err := kernel.GetBySlug(ctx, privileged(), "nothing-here@1.0.0")
	require.NoError(t, err)
	assert.Nil(t, bySlug)
}

func TestSQLite_InsertDuplicateSlugVersion(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	card := &contracts.Contract{Slug: "thread-foo", Version: "1.0.0", Type: "thread@1.0.0", Active: true}
	_, err := kernel.Insert(ctx, privileged(), card)
	require.NoError(t, err)

	_, err = kernel.Insert(ctx, privileged(), card.Clone())
	assert.ErrorIs(t, err, contracts.ErrAlreadyExists)
}

func TestSQLite_GetBySlugLatest(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	for _, version := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		_, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
			Slug: "thread-foo", Version: version, Type: "thread@1.0.0", Active: true,
		})
		require.NoError(t, err)
	}

	latest, err := kernel.GetBySlug(ctx, privileged(), "thread-foo@latest")
	require.NoError(t, err)
	require.NotNil(t, latest)
	// Semver ordering, not lexical: 1.10.0 beats 1.2.0.
	assert.Equal(t, "1.10.0", latest.Version)
}

func TestSQLite_MarkerVisibility(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	created, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: "thread-private", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
		Markers: []string{"org-acme"},
	})
	require.NoError(t, err)

	outsider := &contracts.Session{Actor: "outsider"}
	hidden, err := kernel.GetByID(ctx, outsider, created.ID)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	member := &contracts.Session{Actor: "member", Markers: []string{"org-acme"}}
	visible, err := kernel.GetByID(ctx, member, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, visible)

	results, err := kernel.Query(ctx, outsider, map[string]interface{}{"type": "object"}, store.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLite_Replace(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	first, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: "thread-foo", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
		Data: map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)

	replaced, err := kernel.Replace(ctx, privileged(), &contracts.Contract{
		Slug: "thread-foo", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
		Data: map[string]interface{}{"status": "closed"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replaced.ID)
	assert.Equal(t, first.CreatedAt, replaced.CreatedAt)
	assert.Equal(t, "closed", replaced.Data["status"])

	// Replacing an absent slug inserts.
	fresh, err := kernel.Replace(ctx, privileged(), &contracts.Contract{
		Slug: "thread-bar", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, fresh.ID)
}

func TestSQLite_Patch(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	created, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: "thread-foo", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
		Data: map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)

	patched, err := kernel.Patch(ctx, privileged(), "thread-foo@1.0.0", []store.PatchOperation{
		{Op: "replace", Path: "/data/status", Value: "closed"},
	})
	require.NoError(t, err)
	require.NotNil(t, patched)
	assert.Equal(t, "closed", patched.Data["status"])
	assert.Equal(t, created.ID, patched.ID)

	// Identity stays put even if the patch tries to move it.
	renamed, err := kernel.Patch(ctx, privileged(), "thread-foo@1.0.0", []store.PatchOperation{
		{Op: "replace", Path: "/slug", Value: "thread-renamed"},
	})
	require.NoError(t, err)
	assert.Equal(t, "thread-foo", renamed.Slug)

	// A patch that changes nothing skips the write.
	before, err := kernel.GetBySlug(ctx, privileged(), "thread-foo@1.0.0")
	require.NoError(t, err)
	unchanged, err := kernel.Patch(ctx, privileged(), "thread-foo@1.0.0", []store.PatchOperation{
		{Op: "replace", Path: "/data/status", Value: "closed"},
	})
	require.NoError(t, err)
	require.NotNil(t, unchanged)
	assert.Equal(t, before.UpdatedAt, unchanged.UpdatedAt)
}

func TestSQLite_PatchEdgeCases(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	empty, err := kernel.Patch(ctx, privileged(), "thread-foo@1.0.0", nil)
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = kernel.Patch(ctx, privileged(), "thread-foo@1.0.0", []store.PatchOperation{
		{Op: "replace", Path: "/data/status", Value: "closed"},
	})
	assert.ErrorIs(t, err, contracts.ErrNoElement)
}

func TestSQLite_QueryWithLinks(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	thread, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: "thread-foo", Version: "1.0.0", Type: "thread@1.0.0", Active: true,
	})
	require.NoError(t, err)
	message, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: "message-bar", Version: "1.0.0", Type: "message@1.0.0", Active: true,
		Data: map[string]interface{}{"payload": "hello"},
	})
	require.NoError(t, err)

	filter := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"type"},
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "message@1.0.0"},
		},
		"$$links": map[string]interface{}{
			"is attached to": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id"},
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"const": thread.ID},
				},
			},
		},
	}

	// Without the link the relationship constraint fails.
	results, err := kernel.Query(ctx, privileged(), filter, store.QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	linkName := "is attached to"
	_, err = kernel.Insert(ctx, privileged(), &contracts.Contract{
		Slug: contracts.LinkSlug(linkName, message.ID, thread.ID), Version: "1.0.0",
		Type: "link@1.0.0", Active: true, Name: &linkName,
		Data: map[string]interface{}{
			"inverseName": contracts.LinkVerbAttached,
			"from":        map[string]interface{}{"id": message.ID, "type": message.Type},
			"to":          map[string]interface{}{"id": thread.ID, "type": thread.Type},
		},
	})
	require.NoError(t, err)

	results, err = kernel.Query(ctx, privileged(), filter, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, message.ID, results[0].ID)
	require.Len(t, results[0].Links["is attached to"], 1)
	assert.Equal(t, thread.ID, results[0].Links["is attached to"][0].ID)

	// The inverse verb resolves from the other endpoint.
	inverseFilter := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{"const": "thread@1.0.0"},
		},
		"$$links": map[string]interface{}{
			contracts.LinkVerbAttached: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"id": map[string]interface{}{"const": message.ID},
				},
			},
		},
	}
	results, err = kernel.Query(ctx, privileged(), inverseFilter, store.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, thread.ID, results[0].ID)
}

func TestSQLite_QueryLimit(t *testing.T) {
	kernel := newKernel(t)
	ctx := context.Background()

	for _, slug := range []string{"thread-a", "thread-b", "thread-c"} {
		_, err := kernel.Insert(ctx, privileged(), &contracts.Contract{
			Slug: slug, Version: "1.0.0", Type: "thread@1.0.0", Active: true,
		})
		require.NoError(t, err)
	}

	results, err := kernel.Query(ctx, privileged(), map[string]interface{}{"type": "object"}, store.QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterns

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// ErrEmptyIndex indicates a nearest-neighbor query against an index
// with no centroids. The new-cluster detector treats this as "every
// point is novel".
var ErrEmptyIndex = errors.New("patterns: cluster index is empty")

// Neighbor is one nearest-neighbor result.
type Neighbor struct {
	// ClusterID identifies the historical cluster.
	ClusterID string

	// Distance is cosine distance in [0,2]; 0 means identical direction.
	Distance float64
}

// ClusterIndex is the nearest-neighbor index of historical incident
// cluster centroids the new-cluster detector compares against.
type ClusterIndex interface {
	// Nearest returns up to k centroids closest to the vector,
	// nearest first. Returns ErrEmptyIndex when no centroids exist.
	Nearest(ctx context.Context, vector []float32, k int) ([]Neighbor, error)

	// Add registers a new centroid.
	Add(ctx context.Context, clusterID string, centroid []float32) error
}

// -----------------------------------------------------------------------------
// In-memory index
// -----------------------------------------------------------------------------

// MemoryIndex is a brute-force in-process ClusterIndex. Centroid counts
// are small (hundreds), so a linear scan is fine. Used in tests and in
// deployments without a vector database.
//
// Thread Safety: Safe for concurrent use.
type MemoryIndex struct {
	mu        sync.RWMutex
	ids       []string
	centroids [][]float32
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

// Nearest scans all centroids and returns the k closest.
func (m *MemoryIndex) Nearest(_ context.Context, vector []float32, k int) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.ids) == 0 {
		return nil, ErrEmptyIndex
	}

	neighbors := make([]Neighbor, len(m.ids))
	for i, centroid := range m.centroids {
		neighbors[i] = Neighbor{
			ClusterID: m.ids[i],
			Distance:  cosineDistance(vector, centroid),
		}
	}
	sort.Slice(neighbors, func(i, j int) bool {
		return neighbors[i].Distance < neighbors[j].Distance
	})
	if k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// Add appends a centroid.
func (m *MemoryIndex) Add(_ context.Context, clusterID string, centroid []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, clusterID)

	stored := make([]float32, len(centroid))
	copy(stored, centroid)
	m.centroids = append(m.centroids, stored)
	return nil
}

// cosineDistance is 1 - cosine similarity. Zero-norm vectors are
// maximally distant from everything.
func cosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// -----------------------------------------------------------------------------
// Weaviate index
// -----------------------------------------------------------------------------

// IncidentClusterClass is the Weaviate class holding historical
// incident cluster centroids.
const IncidentClusterClass = "IncidentCluster"

// WeaviateIndex is a ClusterIndex backed by a Weaviate collection with
// externally supplied vectors.
type WeaviateIndex struct {
	client *weaviate.Client
}

// NewWeaviateIndex wraps an existing client. Call EnsureSchema once at
// startup.
func NewWeaviateIndex(client *weaviate.Client) *WeaviateIndex {
	return &WeaviateIndex{client: client}
}

// EnsureSchema creates the IncidentCluster class if it does not exist.
func (w *WeaviateIndex) EnsureSchema(ctx context.Context) error {
	exists, err := w.client.Schema().ClassExistenceChecker().
		WithClassName(IncidentClusterClass).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("check class existence: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      IncidentClusterClass,
		Vectorizer: "none", // vectors are supplied by the embedder
		Properties: []*models.Property{
			{Name: "clusterId", DataType: []string{"text"}},
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", IncidentClusterClass, err)
	}
	return nil
}

// Nearest runs a nearVector query for the k closest centroids.
func (w *WeaviateIndex) Nearest(ctx context.Context, vector []float32, k int) ([]Neighbor, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "clusterId"},
		{Name: "_additional { distance }"},
	}

	result, err := w.client.GraphQL().Get().
		WithClassName(IncidentClusterClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("nearVector query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("nearVector query: %s", result.Errors[0].Message)
	}

	neighbors := parseNeighbors(result)
	if len(neighbors) == 0 {
		return nil, ErrEmptyIndex
	}
	return neighbors, nil
}

// Add stores a centroid with its vector.
func (w *WeaviateIndex) Add(ctx context.Context, clusterID string, centroid []float32) error {
	_, err := w.client.Data().Creator().
		WithClassName(IncidentClusterClass).
		WithID(uuid.NewString()).
		WithProperties(map[string]any{"clusterId": clusterID}).
		WithVector(centroid).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("add centroid %s: %w", clusterID, err)
	}
	return nil
}

func parseNeighbors(result *models.GraphQLResponse) []Neighbor {
	data, ok := result.Data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := data[IncidentClusterClass].([]any)
	if !ok {
		return nil
	}

	var out []Neighbor
	for _, obj := range objects {
		fields, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		neighbor := Neighbor{}
		if id, ok := fields["clusterId"].(string); ok {
			neighbor.ClusterID = id
		}
		if additional, ok := fields["_additional"].(map[string]any); ok {
			if dist, ok := additional["distance"].(float64); ok {
				neighbor.Distance = dist
			}
		}
		out = append(out, neighbor)
	}
	return out
}

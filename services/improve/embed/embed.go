// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed produces vector embeddings for incident descriptions.
//
// Two implementations are provided: OpenAIEmbedder calls the OpenAI
// embeddings API; LocalEmbedder is a deterministic hash-based fallback
// for air-gapped deployments and tests. Both satisfy Embedder.
package embed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/awnumar/memguard"
	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyInput indicates an embedding request with no text.
var ErrEmptyInput = errors.New("embed: empty input")

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the vector width this embedder produces.
	Dimensions() int
}

// -----------------------------------------------------------------------------
// OpenAI
// -----------------------------------------------------------------------------

// OpenAIEmbedder embeds via the OpenAI embeddings API.
//
// The API key is held in a memguard enclave and only materialized for
// the duration of client construction.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dims   int
}

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	// APIKey is consumed and wiped; do not reuse the slice.
	APIKey []byte

	// BaseURL overrides the API endpoint (optional, for proxies or
	// local OpenAI-compatible servers).
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions defaults to 1536.
	Dimensions int
}

// NewOpenAIEmbedder builds the embedder, sealing the API key.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if len(cfg.APIKey) == 0 {
		return nil, errors.New("embed: missing API key")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 1536
	}

	// NewEnclave wipes cfg.APIKey after sealing it.
	enclave := memguard.NewEnclave(cfg.APIKey)
	key, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("embed: open key enclave: %w", err)
	}
	defer key.Destroy()

	clientCfg := openai.DefaultConfig(key.String())
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(cfg.Model),
		dims:   cfg.Dimensions,
	}, nil
}

// Embed calls the embeddings API for the batch of texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      e.model,
		Dimensions: e.dims,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: openai request: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the configured vector width.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// -----------------------------------------------------------------------------
// Local fallback
// -----------------------------------------------------------------------------

// LocalEmbedder is a deterministic, dependency-free embedder. It hashes
// word shingles into a fixed-width vector and L2-normalizes. Similar
// texts land near each other; identical texts map to identical vectors.
// Suitable for tests and air-gapped deployments, not for production
// retrieval quality.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a local embedder with the given width.
// Width defaults to 256.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEmbedder{dims: dims}
}

// Embed hashes each text into a normalized vector.
func (e *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

// Dimensions returns the vector width.
func (e *LocalEmbedder) Dimensions() int { return e.dims }

func (e *LocalEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dims)

	// Character trigram hashing: robust to tokenization details and
	// cheap enough to run inline.
	runes := []rune(text)
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New64a()
		fmt.Fprintf(h, "%s", string(runes[i:i+3]))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		// Sign from a high bit keeps the vector roughly zero-mean.
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec
}

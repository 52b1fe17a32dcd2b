package rag

import (
	"github.com/mudler/ragchat/rag/interfaces"
	"github.com/mudler/ragchat/rag/types"
)

// Embedder is an alias for interfaces.Embedder
type Embedder = interfaces.Embedder

// Resolver is an alias for interfaces.Resolver
type Resolver = interfaces.Resolver

// Hit is an alias for types.Hit
type Hit = types.Hit
